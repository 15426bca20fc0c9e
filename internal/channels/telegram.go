package channels

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/duskpetrel/duskpetrel/internal/bus"
	"github.com/duskpetrel/duskpetrel/internal/config"
)

// TelegramChannel runs the Telegram bot via long polling.
type TelegramChannel struct {
	Base
	cfg      config.TelegramConfig
	mediaDir string
	bot      *tgbotapi.BotAPI
}

// NewTelegramChannel creates a TelegramChannel. Downloaded media lands in
// mediaDir.
func NewTelegramChannel(cfg config.TelegramConfig, b *bus.MessageBus, mediaDir string) *TelegramChannel {
	return &TelegramChannel{
		Base:     NewBase(bus.SourceTelegram, b, cfg.AllowFrom),
		cfg:      cfg,
		mediaDir: mediaDir,
	}
}

func (t *TelegramChannel) Name() string { return string(bus.SourceTelegram) }

func (t *TelegramChannel) Start(ctx context.Context) error {
	if t.cfg.Token == "" {
		return fmt.Errorf("telegram bot token not configured")
	}
	bot, err := tgbotapi.NewBotAPI(t.cfg.Token)
	if err != nil {
		return fmt.Errorf("create telegram bot: %w", err)
	}
	t.bot = bot
	slog.Info("telegram connected", "username", bot.Self.UserName)

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := bot.GetUpdatesChan(u)

	for {
		select {
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			go t.handleUpdate(ctx, update)
		case <-ctx.Done():
			_ = t.Disconnect()
			return ctx.Err()
		}
	}
}

// Disconnect stops the long-polling loop.
func (t *TelegramChannel) Disconnect() error {
	if t.bot != nil {
		t.bot.StopReceivingUpdates()
	}
	return nil
}

func (t *TelegramChannel) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	msg := update.Message
	if msg == nil || msg.From == nil {
		return
	}

	sender := strconv.FormatInt(msg.From.ID, 10)
	if msg.From.UserName != "" {
		sender += "|" + msg.From.UserName
	}
	chatID := strconv.FormatInt(msg.Chat.ID, 10)

	text := msg.Text
	if msg.Caption != "" {
		text = msg.Caption
	}

	var attachments []bus.Attachment
	if msg.Photo != nil {
		photo := msg.Photo[len(msg.Photo)-1]
		if path, err := t.downloadFile(photo.FileID, ".jpg"); err == nil {
			attachments = append(attachments, bus.Attachment{
				Kind:     bus.AttachmentImage,
				Path:     path,
				Filename: filepath.Base(path),
			})
		} else {
			slog.Warn("telegram photo download failed", "error", err)
		}
	}
	if msg.Document != nil {
		if path, err := t.downloadFile(msg.Document.FileID, filepath.Ext(msg.Document.FileName)); err == nil {
			attachments = append(attachments, bus.Attachment{
				Kind:     bus.AttachmentDocument,
				Path:     path,
				Filename: msg.Document.FileName,
				MIME:     msg.Document.MimeType,
			})
		} else {
			slog.Warn("telegram document download failed", "error", err)
		}
	}
	if msg.Voice != nil {
		if path, err := t.downloadFile(msg.Voice.FileID, ".ogg"); err == nil {
			attachments = append(attachments, bus.Attachment{
				Kind:     bus.AttachmentAudio,
				Path:     path,
				Filename: filepath.Base(path),
				MIME:     msg.Voice.MimeType,
			})
		}
	}

	if text == "" && len(attachments) == 0 {
		return
	}

	// Typing indicator while the agent works. The loop stops on its own
	// deadline; replies usually arrive well before that.
	typingCtx, cancelTyping := context.WithTimeout(ctx, 2*time.Minute)
	defer cancelTyping()
	go t.typingLoop(typingCtx, msg.Chat.ID)

	in := bus.NewInboundMessage(bus.SourceTelegram, sender, chatID, text)
	in.Attachments = attachments
	if msg.ReplyToMessage != nil {
		quoted := msg.ReplyToMessage.Text
		if quoted == "" {
			quoted = msg.ReplyToMessage.Caption
		}
		in.Quote = quoted
	}
	in.Metadata = map[string]any{
		"message_id": strconv.Itoa(msg.MessageID),
		"username":   msg.From.UserName,
		"first_name": msg.From.FirstName,
		"is_group":   msg.Chat.Type != "private",
	}
	t.Publish(in)
}

func (t *TelegramChannel) downloadFile(fileID, ext string) (string, error) {
	if t.bot == nil {
		return "", fmt.Errorf("bot not running")
	}
	file, err := t.bot.GetFile(tgbotapi.FileConfig{FileID: fileID})
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(t.mediaDir, 0o755); err != nil {
		return "", err
	}
	if ext == "" {
		ext = filepath.Ext(file.FilePath)
	}
	dest := filepath.Join(t.mediaDir, fileID[:min(16, len(fileID))]+ext)
	if err := downloadToFile(file.Link(t.cfg.Token), dest); err != nil {
		return "", err
	}
	return dest, nil
}

func downloadToFile(url, dest string) error {
	resp, err := http.Get(url) //nolint:noctx
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	return os.WriteFile(dest, data, 0o644)
}

func (t *TelegramChannel) typingLoop(ctx context.Context, chatID int64) {
	for {
		if t.bot != nil {
			action := tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping)
			_, _ = t.bot.Send(action)
		}
		select {
		case <-time.After(4 * time.Second):
		case <-ctx.Done():
			return
		}
	}
}

func (t *TelegramChannel) Send(_ context.Context, msg bus.OutboundMessage) error {
	if t.bot == nil {
		return fmt.Errorf("telegram bot not running")
	}
	chatID, err := strconv.ParseInt(msg.ChatID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid telegram chat id %q", msg.ChatID)
	}

	for _, mediaPath := range msg.Media {
		f, err := os.Open(mediaPath)
		if err != nil {
			continue
		}
		ext := strings.ToLower(filepath.Ext(mediaPath))
		var sendCfg tgbotapi.Chattable
		switch ext {
		case ".jpg", ".jpeg", ".png", ".gif", ".webp":
			sendCfg = tgbotapi.NewPhoto(chatID, tgbotapi.FilePath(mediaPath))
		default:
			sendCfg = tgbotapi.NewDocument(chatID, tgbotapi.FileReader{Name: filepath.Base(mediaPath), Reader: f})
		}
		_, _ = t.bot.Send(sendCfg)
		_ = f.Close()
	}

	if msg.Text == "" {
		return nil
	}

	var replyMsgID int
	if t.cfg.ReplyToMessage && msg.ReplyTo != "" {
		replyMsgID, _ = strconv.Atoi(msg.ReplyTo)
	}

	for _, chunk := range splitMessage(msg.Text, 4000) {
		html := markdownToTelegramHTML(chunk)
		m := tgbotapi.NewMessage(chatID, html)
		m.ParseMode = "HTML"
		if replyMsgID != 0 {
			m.ReplyToMessageID = replyMsgID
		}
		if _, err := t.bot.Send(m); err != nil {
			// Bad HTML entities make Telegram reject the whole message;
			// retry as plain text.
			m2 := tgbotapi.NewMessage(chatID, chunk)
			if replyMsgID != 0 {
				m2.ReplyToMessageID = replyMsgID
			}
			if _, err := t.bot.Send(m2); err != nil {
				return fmt.Errorf("telegram send: %w", err)
			}
		}
	}
	return nil
}

// Markdown to Telegram HTML conversion. Telegram supports a small HTML
// subset; code spans are extracted first so formatting rules never touch
// their contents.
var (
	reTGCodeBlock  = regexp.MustCompile("(?s)```[\\w]*\\n?([\\s\\S]*?)```")
	reTGInlineCode = regexp.MustCompile("`([^`]+)`")
	reTGHeader     = regexp.MustCompile(`(?m)^#{1,6}\s+(.+)$`)
	reTGBlockquote = regexp.MustCompile(`(?m)^>\s*(.*)$`)
	reTGLink       = regexp.MustCompile(`\[([^\]]+)\]\(([^)]+)\)`)
	reTGBold1      = regexp.MustCompile(`\*\*(.+?)\*\*`)
	reTGBold2      = regexp.MustCompile(`__(.+?)__`)
	reTGItalic     = regexp.MustCompile(`(?:^|[^a-zA-Z0-9])_([^_]+)_(?:[^a-zA-Z0-9]|$)`)
	reTGStrike     = regexp.MustCompile(`~~(.+?)~~`)
	reTGBullet     = regexp.MustCompile(`(?m)^[-*]\s+`)
)

func markdownToTelegramHTML(text string) string {
	if text == "" {
		return ""
	}

	var codeBlocks []string
	text = reTGCodeBlock.ReplaceAllStringFunc(text, func(m string) string {
		groups := reTGCodeBlock.FindStringSubmatch(m)
		codeBlocks = append(codeBlocks, groups[1])
		return fmt.Sprintf("\x00CB%d\x00", len(codeBlocks)-1)
	})

	var inlineCodes []string
	text = reTGInlineCode.ReplaceAllStringFunc(text, func(m string) string {
		groups := reTGInlineCode.FindStringSubmatch(m)
		inlineCodes = append(inlineCodes, groups[1])
		return fmt.Sprintf("\x00IC%d\x00", len(inlineCodes)-1)
	})

	text = reTGHeader.ReplaceAllString(text, "$1")
	text = reTGBlockquote.ReplaceAllString(text, "$1")

	text = htmlEscape(text)

	text = reTGLink.ReplaceAllString(text, `<a href="$2">$1</a>`)
	text = reTGBold1.ReplaceAllString(text, "<b>$1</b>")
	text = reTGBold2.ReplaceAllString(text, "<b>$1</b>")
	text = reTGItalic.ReplaceAllString(text, "<i>$1</i>")
	text = reTGStrike.ReplaceAllString(text, "<s>$1</s>")
	text = reTGBullet.ReplaceAllString(text, "• ")

	for i, code := range inlineCodes {
		text = strings.ReplaceAll(text, fmt.Sprintf("\x00IC%d\x00", i),
			"<code>"+htmlEscape(code)+"</code>")
	}
	for i, code := range codeBlocks {
		text = strings.ReplaceAll(text, fmt.Sprintf("\x00CB%d\x00", i),
			"<pre><code>"+htmlEscape(code)+"</code></pre>")
	}
	return text
}

func htmlEscape(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	return s
}
