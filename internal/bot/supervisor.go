// Package bot runs the Telegram side of the rebalancer: a long-poll worker
// answering status commands, a watchdog that restarts the worker when its
// heartbeat goes stale, and a single-instance lock per state directory.
package bot

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"

	"github.com/lumaoDoggie/grvt-transfer/internal/config"
	"github.com/lumaoDoggie/grvt-transfer/internal/snapshot"
)

const pollTimeout = 25 * time.Second

// telegramAPI is the slice of tgbotapi.BotAPI the supervisor uses;
// narrowed so tests can inject a fake transport.
type telegramAPI interface {
	GetUpdates(cfg tgbotapi.UpdateConfig) ([]tgbotapi.Update, error)
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

// Supervisor owns the polling worker and its watchdog.
type Supervisor struct {
	api      telegramAPI
	cfg      *config.Config
	bus      *snapshot.Bus
	stateDir string

	// pacing, shrunk in tests
	watchdogInterval time.Duration
	staleAfter       time.Duration
	restartDelay     time.Duration
	pollIdle         time.Duration
	pollBackoff      time.Duration

	mu           sync.Mutex
	started      bool
	pollStop     chan struct{}
	pollDone     chan struct{}
	watchdogStop chan struct{}
	watchdogDone chan struct{}
}

// NewSupervisor connects to the Telegram API with the configured token.
func NewSupervisor(cfg *config.Config, bus *snapshot.Bus) (*Supervisor, error) {
	if cfg.TelegramToken == "" {
		return nil, errors.New("telegram token not configured")
	}
	api, err := tgbotapi.NewBotAPI(cfg.TelegramToken)
	if err != nil {
		return nil, fmt.Errorf("telegram connect: %w", err)
	}
	log.Info().Str("username", api.Self.UserName).Msg("telegram bot connected")
	return newSupervisor(cfg, bus, api), nil
}

func newSupervisor(cfg *config.Config, bus *snapshot.Bus, api telegramAPI) *Supervisor {
	return &Supervisor{
		api:              api,
		cfg:              cfg,
		bus:              bus,
		stateDir:         cfg.StateDir,
		watchdogInterval: 30 * time.Second,
		staleAfter:       60 * time.Second,
		restartDelay:     3 * time.Second,
		pollIdle:         1 * time.Second,
		pollBackoff:      5 * time.Second,
	}
}

// Start acquires the instance lock and launches the polling worker and the
// watchdog. A second Start in the same process is an error: exactly one
// polling worker may exist per state directory.
func (s *Supervisor) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("bot already started")
	}
	if err := acquireLock(s.stateDir); err != nil {
		return err
	}

	// a webhook would starve getUpdates
	if _, err := s.api.Request(tgbotapi.DeleteWebhookConfig{DropPendingUpdates: false}); err != nil {
		log.Warn().Err(err).Msg("delete webhook failed")
	}

	s.startPollingLocked()
	s.watchdogStop = make(chan struct{})
	s.watchdogDone = make(chan struct{})
	go s.watchdog(s.watchdogStop, s.watchdogDone)

	s.started = true
	log.Info().Msg("bot supervisor started")
	return nil
}

// Stop signals both workers, waits briefly for them, and releases the lock.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	closeOnce(s.watchdogStop)
	closeOnce(s.pollStop)
	pollDone, watchdogDone := s.pollDone, s.watchdogDone
	s.mu.Unlock()

	waitOrTimeout(pollDone, 5*time.Second)
	waitOrTimeout(watchdogDone, 5*time.Second)
	releaseLock(s.stateDir)
	log.Info().Msg("bot supervisor stopped")
}

// startPollingLocked spawns a fresh polling worker; callers hold s.mu.
func (s *Supervisor) startPollingLocked() {
	s.pollStop = make(chan struct{})
	s.pollDone = make(chan struct{})
	go s.poll(s.pollStop, s.pollDone)
}

// poll is the long-poll worker: fetch updates, dispatch, acknowledge by
// offset, heartbeat, repeat.
func (s *Supervisor) poll(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	log.Info().Msg("bot polling started")

	offset := 0
	for {
		select {
		case <-stop:
			return
		default:
		}

		u := tgbotapi.NewUpdate(offset)
		u.Timeout = int(pollTimeout.Seconds())
		updates, err := s.api.GetUpdates(u)
		if err != nil {
			log.Warn().Err(err).Msg("getUpdates failed")
			if stopped(stop, s.pollBackoff) {
				return
			}
			continue
		}

		for _, upd := range updates {
			if upd.UpdateID >= offset {
				offset = upd.UpdateID + 1
			}
			s.handleUpdate(upd)
		}

		s.heartbeat()
		if stopped(stop, s.pollIdle) {
			return
		}
	}
}

func (s *Supervisor) handleUpdate(upd tgbotapi.Update) {
	if m := upd.Message; m != nil && m.Chat != nil {
		chatID := m.Chat.ID
		if !s.chatAllowed(chatID) {
			return
		}
		s.rememberChat(chatID)
		switch normalizeCommand(m.Text) {
		case "/start":
			s.reply(chatID, "ok")
		case "/view":
			s.reply(chatID, renderStatus(s.cfg, s.bus))
		}
	}
	if cq := upd.CallbackQuery; cq != nil && cq.Message != nil && cq.Message.Chat != nil {
		chatID := cq.Message.Chat.ID
		if !s.chatAllowed(chatID) {
			return
		}
		s.rememberChat(chatID)
		if cq.Data == "view_noop" {
			err := s.reply(chatID, renderStatus(s.cfg, s.bus))
			ack := "sent"
			if err != nil {
				ack = "failed"
			}
			if _, err := s.api.Request(tgbotapi.NewCallback(cq.ID, ack)); err != nil {
				log.Warn().Err(err).Msg("answerCallbackQuery failed")
			}
		}
	}
}

// watchdog restarts the polling worker when it dies or its heartbeat stalls.
func (s *Supervisor) watchdog(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for {
		if stopped(stop, s.watchdogInterval) {
			return
		}

		s.mu.Lock()
		pollDone := s.pollDone
		s.mu.Unlock()

		dead := false
		select {
		case <-pollDone:
			dead = true
		default:
		}

		if !dead && !heartbeatStale(s.stateDir, s.staleAfter) {
			continue
		}

		log.Warn().Bool("worker_dead", dead).Msg("watchdog restarting polling worker")
		s.mu.Lock()
		closeOnce(s.pollStop)
		s.mu.Unlock()
		if stopped(stop, s.restartDelay) {
			return
		}
		s.mu.Lock()
		if s.started {
			s.startPollingLocked()
		}
		s.mu.Unlock()
	}
}

func (s *Supervisor) heartbeat() {
	st := stateFile{HeartbeatTS: time.Now().Unix()}
	if id := s.savedChatID(); id != 0 {
		st.ChatID = strconv.FormatInt(id, 10)
	}
	if err := saveState(s.stateDir, st); err != nil {
		log.Warn().Err(err).Msg("heartbeat write failed")
	}
}

// chatAllowed enforces the TELEGRAM_CHAT_ID gate when one is configured.
func (s *Supervisor) chatAllowed(chatID int64) bool {
	return s.cfg.TelegramChatID == 0 || chatID == s.cfg.TelegramChatID
}

func (s *Supervisor) rememberChat(chatID int64) {
	_ = saveState(s.stateDir, stateFile{ChatID: strconv.FormatInt(chatID, 10)})
}

func (s *Supervisor) savedChatID() int64 {
	if s.cfg.TelegramChatID != 0 {
		return s.cfg.TelegramChatID
	}
	id, _ := strconv.ParseInt(readState(s.stateDir).ChatID, 10, 64)
	return id
}

func (s *Supervisor) reply(chatID int64, text string) error {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ReplyMarkup = menuKeyboard()
	_, err := s.api.Send(msg)
	if err != nil {
		log.Warn().Err(err).Int64("chat_id", chatID).Msg("sendMessage failed")
	}
	return err
}

// Send delivers a plain alert to the saved chat (alerts.Notifier).
func (s *Supervisor) Send(text string) error {
	chatID := s.savedChatID()
	if chatID == 0 {
		return errors.New("no telegram chat id known yet")
	}
	_, err := s.api.Send(tgbotapi.NewMessage(chatID, text))
	return err
}

// SendWithViewButton delivers an alert with the inline status button
// (alerts.Notifier).
func (s *Supervisor) SendWithViewButton(text string) error {
	chatID := s.savedChatID()
	if chatID == 0 {
		return errors.New("no telegram chat id known yet")
	}
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("查看状态", "view_noop"),
		),
	)
	_, err := s.api.Send(msg)
	return err
}

// menuKeyboard is the persistent reply keyboard advertising the view command.
func menuKeyboard() tgbotapi.ReplyKeyboardMarkup {
	return tgbotapi.NewReplyKeyboard(
		tgbotapi.NewKeyboardButtonRow(tgbotapi.NewKeyboardButton("查看")),
	)
}

// normalizeCommand folds the accepted view spellings into one.
func normalizeCommand(text string) string {
	switch t := strings.ToLower(strings.TrimSpace(text)); t {
	case "/start":
		return "/start"
	case "/view", "view", "查看":
		return "/view"
	default:
		return t
	}
}

func closeOnce(ch chan struct{}) {
	select {
	case <-ch:
	default:
		close(ch)
	}
}

func stopped(stop <-chan struct{}, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-stop:
		return true
	case <-t.C:
		return false
	}
}

func waitOrTimeout(ch <-chan struct{}, d time.Duration) {
	if ch == nil {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ch:
	case <-t.C:
	}
}
