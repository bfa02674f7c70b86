package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"forwardbot/internal/config"
	"forwardbot/internal/logx"
)

// Controller is the interactive admin bot. It manages the runtime
// configuration stored in SQLite: admins, channel mappings, filters,
// replacements, formatting profiles, and network overrides.
type Controller struct {
	token    string
	store    *config.Store
	logger   *slog.Logger
	onChange func()

	bot *tgbotapi.BotAPI
}

type ControllerConfig struct {
	Token    string
	Store    *config.Store
	Logger   *slog.Logger
	OnChange func() // called after every successful configuration change
}

func NewController(cfg ControllerConfig) *Controller {
	onChange := cfg.OnChange
	if onChange == nil {
		onChange = func() {}
	}
	return &Controller{
		token:    cfg.Token,
		store:    cfg.Store,
		logger:   cfg.Logger,
		onChange: onChange,
	}
}

// Start connects to the Bot API and polls for updates until the context is
// cancelled.
func (c *Controller) Start(ctx context.Context) error {
	bot, err := tgbotapi.NewBotAPI(c.token)
	if err != nil {
		return fmt.Errorf("admin bot init: %w", err)
	}
	c.bot = bot
	c.logger.Info("admin bot connected",
		"username", bot.Self.UserName,
		"id", bot.Self.ID,
	)

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := bot.GetUpdatesChan(u)

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("admin bot stopping")
			bot.StopReceivingUpdates()
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			c.handleUpdate(ctx, update)
		}
	}
}

// openCommands need no admin rights: /claim must work on an empty admin
// list, and /start, /help, /status only read.
var openCommands = map[string]struct{}{
	"start":  {},
	"help":   {},
	"claim":  {},
	"status": {},
}

func (c *Controller) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	msg := update.Message
	if msg == nil {
		msg = update.EditedMessage
	}
	if msg == nil || msg.From == nil || msg.Chat == nil || !msg.IsCommand() {
		return
	}

	command := strings.ToLower(msg.Command())
	chatID := msg.Chat.ID
	userID := msg.From.ID
	username := msg.From.UserName

	if _, open := openCommands[command]; !open {
		allowed, err := c.store.IsAdmin(ctx, userID, username)
		if err != nil {
			c.reply(chatID, "Ошибка доступа к базе настроек")
			return
		}
		if !allowed {
			logx.Emit(c.logger, slog.LevelWarn, logx.Event{
				Name:    "admin_command_denied",
				ChatID:  strconv.FormatInt(chatID, 10),
				Outcome: "denied",
				Extra:   map[string]any{"command": command, "user_id": userID},
			})
			c.reply(chatID, "Команда доступна только администраторам")
			return
		}
	}

	c.handleCommand(ctx, command, msg)
}

func (c *Controller) handleCommand(ctx context.Context, command string, msg *tgbotapi.Message) {
	chatID := msg.Chat.ID
	args := strings.TrimSpace(msg.CommandArguments())

	switch command {
	case "start":
		c.reply(chatID, "Forward Monitor готов. Используйте /help для списка команд.")
	case "help":
		c.reply(chatID, helpText)
	case "claim":
		c.cmdClaim(ctx, chatID, msg.From)
	case "admins":
		c.cmdAdmins(ctx, chatID)
	case "grant":
		c.cmdGrant(ctx, chatID, args)
	case "revoke":
		c.cmdRevoke(ctx, chatID, args)
	case "status":
		c.cmdStatus(ctx, chatID)
	case "set_discord_token":
		c.cmdSetDiscordToken(ctx, chatID, args)
	case "set_proxy":
		c.cmdSetProxy(ctx, chatID, args)
	case "set_user_agent":
		c.cmdSetUserAgent(ctx, chatID, args)
	case "set_mobile_ratio":
		c.cmdSetMobileRatio(ctx, chatID, args)
	case "set_poll":
		c.cmdSetPoll(ctx, chatID, args)
	case "set_delay":
		c.cmdSetDelay(ctx, chatID, args)
	case "set_rate":
		c.cmdSetRate(ctx, chatID, args)
	case "add_channel":
		c.cmdAddChannel(ctx, chatID, args)
	case "remove_channel":
		c.cmdRemoveChannel(ctx, chatID, args)
	case "list_channels":
		c.cmdListChannels(ctx, chatID)
	case "enable_channel":
		c.cmdSetChannelActive(ctx, chatID, args, true)
	case "disable_channel":
		c.cmdSetChannelActive(ctx, chatID, args, false)
	case "set_header":
		c.cmdFormatOption(ctx, chatID, args, "header")
	case "set_footer":
		c.cmdFormatOption(ctx, chatID, args, "footer")
	case "set_chip":
		c.cmdFormatOption(ctx, chatID, args, "chip")
	case "set_parse_mode":
		c.cmdFormatOption(ctx, chatID, args, "parse_mode", "markdownv2", "markdown", "html", "text")
	case "set_disable_preview":
		c.cmdFormatOption(ctx, chatID, args, "disable_preview", "on", "off")
	case "set_max_length":
		c.cmdFormatOption(ctx, chatID, args, "max_length")
	case "set_attachments":
		c.cmdFormatOption(ctx, chatID, args, "attachments_style", "summary", "links")
	case "add_filter":
		c.cmdAddFilter(ctx, chatID, args)
	case "clear_filter":
		c.cmdClearFilter(ctx, chatID, args)
	case "add_replace":
		c.cmdAddReplace(ctx, chatID, args)
	case "clear_replace":
		c.cmdClearReplace(ctx, chatID, args)
	default:
		c.reply(chatID, "Неизвестная команда: "+command)
	}
}

const helpText = `Команды:
/claim — стать администратором (если список пуст)
/admins — показать администраторов
/grant <id|@user> — выдать права
/revoke <id|@user> — отобрать права
/status — текущая конфигурация
/set_discord_token <token>
/set_proxy <url> [login] [password] | /set_proxy clear
/set_user_agent <значение>
/set_mobile_ratio <0-1>
/set_poll <секунды>
/set_delay <min_ms> <max_ms>
/set_rate <discord|telegram> <в_секунду>
/add_channel <discord_id> <telegram_chat> [метка]
/remove_channel <discord_id>
/list_channels
/enable_channel <discord_id> | /disable_channel <discord_id>
/set_header <discord_id|all> <текст>
/set_footer <discord_id|all> <текст>
/set_chip <discord_id|all> <текст>
/set_parse_mode <discord_id|all> <markdownv2|markdown|html|text>
/set_disable_preview <discord_id|all> <on|off>
/set_max_length <discord_id|all> <число>
/set_attachments <discord_id|all> <summary|links>
/add_filter <discord_id|all> <тип> <значение>
/clear_filter <discord_id|all> <тип> [значение]
/add_replace <discord_id|all> шаблон => замена
/clear_replace <discord_id|all> [шаблон]`

func (c *Controller) cmdClaim(ctx context.Context, chatID int64, from *tgbotapi.User) {
	has, err := c.store.HasAdmins(ctx)
	if err != nil {
		c.reply(chatID, "Ошибка доступа к базе настроек")
		return
	}
	if has {
		c.reply(chatID, "Администратор уже назначен")
		return
	}
	if err := c.store.AddAdmin(ctx, from.ID, from.UserName); err != nil {
		c.reply(chatID, "Не удалось сохранить администратора")
		return
	}
	c.onChange()
	c.reply(chatID, "Вы назначены администратором")
}

func (c *Controller) cmdAdmins(ctx context.Context, chatID int64) {
	admins, err := c.store.ListAdmins(ctx)
	if err != nil {
		c.reply(chatID, "Ошибка доступа к базе настроек")
		return
	}
	if len(admins) == 0 {
		c.reply(chatID, "Список пуст")
		return
	}
	lines := []string{"Администраторы:"}
	for _, admin := range admins {
		switch {
		case admin.Username != "" && admin.UserID != 0:
			lines = append(lines, fmt.Sprintf("@%s (%d)", admin.Username, admin.UserID))
		case admin.Username != "":
			lines = append(lines, "@"+admin.Username)
		default:
			lines = append(lines, strconv.FormatInt(admin.UserID, 10))
		}
	}
	c.reply(chatID, strings.Join(lines, "\n"))
}

func (c *Controller) cmdGrant(ctx context.Context, chatID int64, args string) {
	if args == "" {
		c.reply(chatID, "Укажите ID или @username")
		return
	}
	var err error
	if id, convErr := strconv.ParseInt(args, 10, 64); convErr == nil {
		err = c.store.AddAdmin(ctx, id, "")
	} else {
		err = c.store.AddAdmin(ctx, 0, args)
	}
	if err != nil {
		c.reply(chatID, "Не удалось выдать доступ")
		return
	}
	c.onChange()
	c.reply(chatID, "Выдан доступ "+args)
}

func (c *Controller) cmdRevoke(ctx context.Context, chatID int64, args string) {
	if args == "" {
		c.reply(chatID, "Укажите ID или @username")
		return
	}
	removed, err := c.store.RemoveAdmin(ctx, args)
	if err != nil || !removed {
		c.reply(chatID, "Администратор не найден")
		return
	}
	c.onChange()
	c.reply(chatID, "Доступ отозван у "+args)
}

func (c *Controller) cmdStatus(ctx context.Context, chatID int64) {
	token, _ := c.store.Setting(ctx, "discord.token", "")
	tokenState := "нет"
	if token != "" {
		tokenState = "установлен (" + logx.MaskToken(token) + ")"
	}
	proxyURL, _ := c.store.Setting(ctx, "proxy.discord.url", "-")
	userAgent, _ := c.store.Setting(ctx, "ua.discord", "по умолчанию")
	ratio, _ := c.store.Setting(ctx, "ua.discord.mobile_ratio", "0")
	poll, _ := c.store.Setting(ctx, "runtime.poll", "2.0")
	delayMin, _ := c.store.Setting(ctx, "runtime.delay_min", "0")
	delayMax, _ := c.store.Setting(ctx, "runtime.delay_max", "0")
	rateDiscord, _ := c.store.Setting(ctx, "runtime.discord_rate", "8")
	rateTelegram, _ := c.store.Setting(ctx, "runtime.telegram_rate", "1")
	channels, _ := c.store.ListChannels(ctx)

	lines := []string{
		"Discord токен: " + tokenState,
		"Прокси Discord: " + proxyURL,
		"User-Agent: " + userAgent + " (mobile ratio " + ratio + ")",
		"Опрос Discord: " + poll + " c",
		"Пауза: " + delayMin + "-" + delayMax + " мс",
		"Лимиты: Discord " + rateDiscord + "/c, Telegram " + rateTelegram + "/c",
		fmt.Sprintf("Каналы: %d", len(channels)),
	}
	c.reply(chatID, strings.Join(lines, "\n"))
}

func (c *Controller) cmdSetDiscordToken(ctx context.Context, chatID int64, args string) {
	if args == "" {
		c.reply(chatID, "Нужно передать токен")
		return
	}
	if err := c.store.SetSetting(ctx, "discord.token", args); err != nil {
		c.reply(chatID, "Не удалось сохранить токен")
		return
	}
	c.onChange()
	c.reply(chatID, "Токен Discord обновлён")
}

func (c *Controller) cmdSetProxy(ctx context.Context, chatID int64, args string) {
	parts := strings.Fields(args)
	if len(parts) == 0 {
		c.reply(chatID, "Использование: /set_proxy <url> [login] [password] или /set_proxy clear")
		return
	}
	if strings.EqualFold(parts[0], "clear") {
		for _, key := range []string{"proxy.discord.url", "proxy.discord.login", "proxy.discord.password"} {
			if err := c.store.DeleteSetting(ctx, key); err != nil {
				c.reply(chatID, "Не удалось удалить настройки прокси")
				return
			}
		}
		c.onChange()
		c.reply(chatID, "Прокси отключён")
		return
	}

	settings := map[string]string{"proxy.discord.url": parts[0]}
	if len(parts) > 1 {
		settings["proxy.discord.login"] = parts[1]
	}
	if len(parts) > 2 {
		settings["proxy.discord.password"] = parts[2]
	}
	for key, value := range settings {
		if err := c.store.SetSetting(ctx, key, value); err != nil {
			c.reply(chatID, "Не удалось сохранить прокси")
			return
		}
	}
	c.onChange()
	c.reply(chatID, "Прокси обновлён")
}

func (c *Controller) cmdSetUserAgent(ctx context.Context, chatID int64, args string) {
	if args == "" {
		c.reply(chatID, "Укажите строку User-Agent")
		return
	}
	if err := c.store.SetSetting(ctx, "ua.discord", args); err != nil {
		c.reply(chatID, "Не удалось сохранить User-Agent")
		return
	}
	c.onChange()
	c.reply(chatID, "User-Agent сохранён")
}

func (c *Controller) cmdSetMobileRatio(ctx context.Context, chatID int64, args string) {
	value, err := strconv.ParseFloat(args, 64)
	if err != nil {
		c.reply(chatID, "Укажите число от 0 до 1")
		return
	}
	if value < 0 {
		value = 0
	}
	if value > 1 {
		value = 1
	}
	if err := c.store.SetSetting(ctx, "ua.discord.mobile_ratio", fmt.Sprintf("%.3f", value)); err != nil {
		c.reply(chatID, "Не удалось сохранить значение")
		return
	}
	c.onChange()
	c.reply(chatID, "Доля мобильных запросов обновлена")
}

func (c *Controller) cmdSetPoll(ctx context.Context, chatID int64, args string) {
	value, err := strconv.ParseFloat(args, 64)
	if err != nil {
		c.reply(chatID, "Укажите число секунд")
		return
	}
	if value < 0.5 {
		value = 0.5
	}
	if err := c.store.SetSetting(ctx, "runtime.poll", fmt.Sprintf("%.2f", value)); err != nil {
		c.reply(chatID, "Не удалось сохранить значение")
		return
	}
	c.onChange()
	c.reply(chatID, "Интервал опроса обновлён")
}

func (c *Controller) cmdSetDelay(ctx context.Context, chatID int64, args string) {
	parts := strings.Fields(args)
	if len(parts) != 2 {
		c.reply(chatID, "Использование: /set_delay <min_ms> <max_ms>")
		return
	}
	minMs, errMin := strconv.Atoi(parts[0])
	maxMs, errMax := strconv.Atoi(parts[1])
	if errMin != nil || errMax != nil {
		c.reply(chatID, "Значения должны быть целыми")
		return
	}
	if minMs < 0 || maxMs < minMs {
		c.reply(chatID, "Неверный диапазон")
		return
	}
	if err := c.store.SetSetting(ctx, "runtime.delay_min", strconv.Itoa(minMs)); err == nil {
		err = c.store.SetSetting(ctx, "runtime.delay_max", strconv.Itoa(maxMs))
		if err == nil {
			c.onChange()
			c.reply(chatID, "Диапазон задержек сохранён")
			return
		}
	}
	c.reply(chatID, "Не удалось сохранить значения")
}

func (c *Controller) cmdSetRate(ctx context.Context, chatID int64, args string) {
	parts := strings.Fields(args)
	if len(parts) != 2 {
		c.reply(chatID, "Использование: /set_rate <discord|telegram> <в_секунду>")
		return
	}
	target := strings.ToLower(parts[0])
	if target != "discord" && target != "telegram" {
		c.reply(chatID, "Неверная цель")
		return
	}
	value, err := strconv.ParseFloat(parts[1], 64)
	if err != nil {
		c.reply(chatID, "Неверное число")
		return
	}
	if value < 0.1 {
		value = 0.1
	}
	if err := c.store.SetSetting(ctx, "runtime."+target+"_rate", fmt.Sprintf("%.2f", value)); err != nil {
		c.reply(chatID, "Не удалось сохранить значение")
		return
	}
	c.onChange()
	c.reply(chatID, "Лимит обновлён")
}

func (c *Controller) cmdAddChannel(ctx context.Context, chatID int64, args string) {
	parts := strings.Fields(args)
	if len(parts) < 2 {
		c.reply(chatID, "Использование: /add_channel <discord_id> <telegram_chat> [метка]")
		return
	}
	discordID, telegramChat := parts[0], parts[1]
	label := discordID
	if len(parts) > 2 {
		label = strings.Join(parts[2:], " ")
	}
	if existing, err := c.store.GetChannel(ctx, discordID); err == nil && existing != nil {
		c.reply(chatID, "Канал уже существует")
		return
	}
	if _, err := c.store.AddChannel(ctx, discordID, telegramChat, label); err != nil {
		c.reply(chatID, "Не удалось создать связку")
		return
	}
	c.onChange()
	c.reply(chatID, fmt.Sprintf("Связка %s → %s создана", discordID, telegramChat))
}

func (c *Controller) cmdRemoveChannel(ctx context.Context, chatID int64, args string) {
	if args == "" {
		c.reply(chatID, "Укажите discord_id")
		return
	}
	removed, err := c.store.RemoveChannel(ctx, args)
	if err != nil || !removed {
		c.reply(chatID, "Канал не найден")
		return
	}
	c.onChange()
	c.reply(chatID, "Связка удалена")
}

func (c *Controller) cmdListChannels(ctx context.Context, chatID int64) {
	channels, err := c.store.ListChannels(ctx)
	if err != nil {
		c.reply(chatID, "Ошибка доступа к базе настроек")
		return
	}
	if len(channels) == 0 {
		c.reply(chatID, "Список пуст")
		return
	}
	lines := []string{"Каналы:"}
	for _, record := range channels {
		marker := ""
		if !record.Active {
			marker = " (выключен)"
		}
		lines = append(lines, fmt.Sprintf("%s → %s [%s]%s", record.DiscordID, record.TelegramChatID, record.Label, marker))
	}
	c.reply(chatID, strings.Join(lines, "\n"))
}

func (c *Controller) cmdSetChannelActive(ctx context.Context, chatID int64, args string, active bool) {
	if args == "" {
		c.reply(chatID, "Укажите discord_id")
		return
	}
	updated, err := c.store.SetChannelActive(ctx, args, active)
	if err != nil || !updated {
		c.reply(chatID, "Канал не найден")
		return
	}
	c.onChange()
	if active {
		c.reply(chatID, "Канал включён")
	} else {
		c.reply(chatID, "Канал выключен")
	}
}

func (c *Controller) cmdFormatOption(ctx context.Context, chatID int64, args, option string, allowed ...string) {
	target, value, ok := strings.Cut(args, " ")
	if !ok || strings.TrimSpace(value) == "" {
		c.reply(chatID, "Неверные аргументы")
		return
	}
	value = strings.TrimSpace(value)
	if len(allowed) > 0 {
		match := false
		for _, candidate := range allowed {
			if strings.EqualFold(value, candidate) {
				match = true
				break
			}
		}
		if !match {
			c.reply(chatID, "Допустимо: "+strings.Join(allowed, ", "))
			return
		}
	}

	switch option {
	case "disable_preview":
		switch strings.ToLower(value) {
		case "true", "on", "1", "yes":
			value = "true"
		default:
			value = "false"
		}
	case "max_length":
		if _, err := strconv.Atoi(value); err != nil {
			c.reply(chatID, "Введите целое число")
			return
		}
	case "parse_mode", "attachments_style":
		value = strings.ToLower(value)
	}

	var err error
	if isAllChannels(target) {
		err = c.store.SetSetting(ctx, "formatting."+option, value)
	} else {
		record, getErr := c.store.GetChannel(ctx, target)
		if getErr != nil || record == nil {
			c.reply(chatID, "Канал не найден")
			return
		}
		err = c.store.SetChannelOption(ctx, record.ID, "formatting."+option, value)
	}
	if err != nil {
		c.reply(chatID, "Не удалось сохранить значение")
		return
	}
	c.onChange()
	c.reply(chatID, "Обновлено")
}

func (c *Controller) cmdAddFilter(ctx context.Context, chatID int64, args string) {
	parts := strings.SplitN(args, " ", 3)
	if len(parts) < 3 {
		c.reply(chatID, "Использование: /add_filter <discord_id|all> <тип> <значение>")
		return
	}
	channelIDs, ok := c.resolveChannelIDs(ctx, parts[0])
	if !ok {
		c.reply(chatID, "Канал не найден")
		return
	}
	for _, channelID := range channelIDs {
		if _, err := c.store.AddFilter(ctx, channelID, parts[1], parts[2]); err != nil {
			c.reply(chatID, "Не удалось добавить фильтр: "+err.Error())
			return
		}
	}
	c.onChange()
	c.reply(chatID, "Фильтр добавлен")
}

func (c *Controller) cmdClearFilter(ctx context.Context, chatID int64, args string) {
	parts := strings.SplitN(args, " ", 3)
	if len(parts) < 2 {
		c.reply(chatID, "Использование: /clear_filter <discord_id|all> <тип> [значение]")
		return
	}
	value := ""
	if len(parts) == 3 {
		value = parts[2]
	}
	channelIDs, ok := c.resolveChannelIDs(ctx, parts[0])
	if !ok {
		c.reply(chatID, "Канал не найден")
		return
	}
	removed := 0
	for _, channelID := range channelIDs {
		n, err := c.store.RemoveFilter(ctx, channelID, parts[1], value)
		if err != nil {
			c.reply(chatID, "Не удалось удалить фильтры")
			return
		}
		removed += n
	}
	c.onChange()
	c.reply(chatID, fmt.Sprintf("Удалено %d записей", removed))
}

func (c *Controller) cmdAddReplace(ctx context.Context, chatID int64, args string) {
	target, rest, ok := strings.Cut(args, " ")
	pattern, replacement, hasArrow := strings.Cut(rest, "=>")
	pattern = strings.TrimSpace(pattern)
	replacement = strings.TrimSpace(replacement)
	if !ok || !hasArrow || pattern == "" {
		c.reply(chatID, "Использование: /add_replace <discord_id|all> шаблон => замена")
		return
	}
	channelIDs, found := c.resolveChannelIDs(ctx, target)
	if !found {
		c.reply(chatID, "Канал не найден")
		return
	}
	for _, channelID := range channelIDs {
		if err := c.store.AddReplacement(ctx, channelID, pattern, replacement); err != nil {
			c.reply(chatID, "Не удалось сохранить замену")
			return
		}
	}
	c.onChange()
	c.reply(chatID, "Замена сохранена")
}

func (c *Controller) cmdClearReplace(ctx context.Context, chatID int64, args string) {
	target, pattern, _ := strings.Cut(args, " ")
	if target == "" {
		c.reply(chatID, "Использование: /clear_replace <discord_id|all> [шаблон]")
		return
	}
	pattern = strings.TrimSpace(pattern)
	channelIDs, found := c.resolveChannelIDs(ctx, target)
	if !found {
		c.reply(chatID, "Канал не найден")
		return
	}
	removed := 0
	for _, channelID := range channelIDs {
		if pattern == "" {
			rules, err := c.store.Replacements(ctx, channelID)
			if err != nil {
				c.reply(chatID, "Не удалось удалить замены")
				return
			}
			for _, rule := range rules {
				if ok, _ := c.store.RemoveReplacement(ctx, channelID, rule.Pattern); ok {
					removed++
				}
			}
			continue
		}
		if ok, _ := c.store.RemoveReplacement(ctx, channelID, pattern); ok {
			removed++
		}
	}
	c.onChange()
	c.reply(chatID, fmt.Sprintf("Удалено %d замен", removed))
}

func (c *Controller) resolveChannelIDs(ctx context.Context, key string) ([]int64, bool) {
	if isAllChannels(key) {
		return []int64{0}, true
	}
	record, err := c.store.GetChannel(ctx, key)
	if err != nil || record == nil {
		return nil, false
	}
	return []int64{record.ID}, true
}

func isAllChannels(key string) bool {
	key = strings.ToLower(strings.TrimSpace(key))
	return key == "all" || key == "*"
}

func (c *Controller) reply(chatID int64, text string) {
	if c.bot == nil {
		return
	}
	if _, err := c.bot.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
		c.logger.Warn("admin bot reply failed", "err", err, "chat_id", chatID)
	}
}
