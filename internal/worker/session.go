package worker

import (
	"context"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/panjf2000/ants/v2"
	"github.com/pkg/errors"
	"github.com/talkincode/botfleet/internal/pause"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"
)

// ErrNotConnected is returned by Send while the session is offline.
var ErrNotConnected = errors.New("session not connected")

// Session is the messaging account behind the control server.
type Session interface {
	Connected() bool
	Identity() string
	// PairingCode returns the raw code of the pending pairing, empty when
	// the device is paired or no code was issued yet.
	PairingCode() string
	Send(ctx context.Context, to, text string) error
	Logout(ctx context.Context) error
	Restart(ctx context.Context) error
}

// WhatsApp is a Session backed by whatsmeow with its device keys in a
// sqlite file inside the worker directory.
type WhatsApp struct {
	cfg       *Config
	callbacks *Callbacks
	container *sqlstore.Container
	pool      *ants.Pool
	chats     sync.Map

	mu     sync.RWMutex
	client *whatsmeow.Client
	code   string
	ctx    context.Context
}

var _ Session = (*WhatsApp)(nil)

func NewWhatsApp(ctx context.Context, cfg *Config, cb *Callbacks) (*WhatsApp, error) {
	container, err := sqlstore.New(ctx, "sqlite3", cfg.DeviceDSN(), newWALogger("store"))
	if err != nil {
		return nil, errors.Wrap(err, "open device store")
	}
	pool, err := ants.NewPool(cfg.Concurrency, ants.WithPanicHandler(func(r interface{}) {
		zap.S().Errorf("worker: message handler panic: %v", r)
	}))
	if err != nil {
		_ = container.Close()
		return nil, err
	}
	return &WhatsApp{cfg: cfg, callbacks: cb, container: container, pool: pool, ctx: ctx}, nil
}

// Start connects the stored device, or begins pairing when there is none.
func (w *WhatsApp) Start(ctx context.Context) error {
	w.mu.Lock()
	w.ctx = ctx
	w.mu.Unlock()
	return w.open(ctx)
}

func (w *WhatsApp) open(ctx context.Context) error {
	device, err := w.container.GetFirstDevice(ctx)
	if err != nil {
		return errors.Wrap(err, "load device")
	}
	client := whatsmeow.NewClient(device, newWALogger("client"))
	client.AddEventHandler(w.handleEvent)

	w.mu.Lock()
	w.client = client
	w.code = ""
	w.mu.Unlock()

	if client.Store.ID != nil {
		zap.L().Info("worker: connecting paired device", zap.String("identity", client.Store.ID.User))
		return client.Connect()
	}

	qrChan, err := client.GetQRChannel(ctx)
	if err != nil {
		return errors.Wrap(err, "open pairing channel")
	}
	if err := client.Connect(); err != nil {
		return errors.Wrap(err, "connect")
	}
	go w.pair(ctx, client, qrChan)
	return nil
}

// pair tracks the rotating pairing codes. An expired pairing starts over.
func (w *WhatsApp) pair(ctx context.Context, client *whatsmeow.Client, qrChan <-chan whatsmeow.QRChannelItem) {
	for item := range qrChan {
		switch item.Event {
		case "code":
			w.mu.Lock()
			if w.client == client {
				w.code = item.Code
			}
			w.mu.Unlock()
			zap.L().Debug("worker: pairing code issued", zap.Duration("valid_for", item.Timeout))
		case "success":
			w.setCode(client, "")
			zap.L().Info("worker: pairing succeeded")
			return
		default:
			w.setCode(client, "")
			zap.L().Warn("worker: pairing ended", zap.String("event", item.Event), zap.Error(item.Error))
			if ctx.Err() != nil {
				return
			}
			client.Disconnect()
			time.Sleep(2 * time.Second)
			if err := w.open(ctx); err != nil {
				zap.L().Error("worker: restart pairing failed", zap.Error(err))
			}
			return
		}
	}
}

func (w *WhatsApp) setCode(client *whatsmeow.Client, code string) {
	w.mu.Lock()
	if w.client == client {
		w.code = code
	}
	w.mu.Unlock()
}

func (w *WhatsApp) current() (*whatsmeow.Client, context.Context) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.client, w.ctx
}

func (w *WhatsApp) handleEvent(evt interface{}) {
	client, ctx := w.current()
	switch v := evt.(type) {
	case *events.Message:
		w.handleMessage(v)
	case *events.PairSuccess:
		zap.L().Info("worker: device paired", zap.String("identity", v.ID.User))
		w.notifyConnected(ctx, v.ID.User)
	case *events.Connected:
		if client != nil && client.Store.ID != nil {
			w.notifyConnected(ctx, client.Store.ID.User)
		}
	case *events.LoggedOut:
		zap.L().Warn("worker: device logged out", zap.Stringer("reason", v.Reason))
		go w.afterLogout(ctx)
	case *events.Disconnected:
		zap.L().Warn("worker: connection lost")
	}
}

func (w *WhatsApp) notifyConnected(ctx context.Context, identity string) {
	go func() {
		cctx, cancel := context.WithTimeout(ctx, w.cfg.CallbackTimeout)
		defer cancel()
		if err := w.callbacks.Connected(cctx, identity); err != nil {
			zap.L().Warn("worker: connected callback failed", zap.Error(err))
		}
	}()
}

func (w *WhatsApp) afterLogout(ctx context.Context) {
	cctx, cancel := context.WithTimeout(ctx, w.cfg.CallbackTimeout)
	if err := w.callbacks.Disconnected(cctx); err != nil {
		zap.L().Warn("worker: disconnected callback failed", zap.Error(err))
	}
	cancel()
	if ctx.Err() != nil {
		return
	}
	if client, _ := w.current(); client != nil {
		client.Disconnect()
	}
	if err := w.open(ctx); err != nil {
		zap.L().Error("worker: reopen after logout failed", zap.Error(err))
	}
}

func messageText(msg *waE2E.Message) string {
	if msg == nil {
		return ""
	}
	if s := msg.GetConversation(); s != "" {
		return s
	}
	return msg.GetExtendedTextMessage().GetText()
}

// inboundFor decides whether a message goes to the orchestrator and where the
// reply is sent. Messages typed on the paired account itself are forwarded
// only when they are pause commands; they are attributed to the account's
// own identity and answered in its own chat.
func inboundFor(info types.MessageInfo, text, self string) (Inbound, types.JID, bool) {
	text = strings.TrimSpace(text)
	if text == "" || info.IsGroup || info.Chat.Server == types.BroadcastServer {
		return Inbound{}, types.JID{}, false
	}
	to := info.Chat.ToNonAD()
	if info.IsFromMe {
		if self == "" || pause.ParseCommand(text) == pause.CmdNone {
			return Inbound{}, types.JID{}, false
		}
		to = types.NewJID(self, types.DefaultUserServer)
	}
	return Inbound{
		CounterpartyID: to.User,
		Text:           text,
		MessageID:      info.ID,
		Timestamp:      info.Timestamp.Unix(),
	}, to, true
}

func (w *WhatsApp) handleMessage(evt *events.Message) {
	in, chat, ok := inboundFor(evt.Info, messageText(evt.Message), w.Identity())
	if !ok {
		return
	}
	if evt.Info.IsFromMe {
		zap.L().Info("worker: owner command", zap.String("message_id", in.MessageID))
	}
	err := w.pool.Submit(func() {
		// replies of one chat keep their order
		lock, _ := w.chats.LoadOrStore(chat.User, &sync.Mutex{})
		lock.(*sync.Mutex).Lock()
		defer lock.(*sync.Mutex).Unlock()
		w.forward(chat, in)
	})
	if err != nil {
		zap.L().Error("worker: message dropped", zap.String("message_id", in.MessageID), zap.Error(err))
	}
}

func (w *WhatsApp) forward(chat types.JID, in Inbound) {
	_, ctx := w.current()
	cctx, cancel := context.WithTimeout(ctx, w.cfg.CallbackTimeout)
	defer cancel()
	reply, err := w.callbacks.Inbound(cctx, in)
	if err != nil {
		zap.L().Error("worker: inbound callback failed", zap.String("message_id", in.MessageID), zap.Error(err))
		return
	}
	if reply == "" {
		return
	}
	if err := w.sendTo(cctx, chat, reply); err != nil {
		zap.L().Error("worker: reply not sent", zap.String("to", chat.User), zap.Error(err))
	}
}

func (w *WhatsApp) sendTo(ctx context.Context, to types.JID, text string) error {
	client, _ := w.current()
	if client == nil || !client.IsConnected() {
		return ErrNotConnected
	}
	_, err := client.SendMessage(ctx, to, &waE2E.Message{Conversation: proto.String(text)})
	return err
}

func (w *WhatsApp) Connected() bool {
	client, _ := w.current()
	return client != nil && client.IsConnected() && client.IsLoggedIn()
}

func (w *WhatsApp) Identity() string {
	client, _ := w.current()
	if client == nil || client.Store.ID == nil {
		return ""
	}
	return client.Store.ID.User
}

func (w *WhatsApp) PairingCode() string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.code
}

// Send delivers text to a phone number or a full JID.
func (w *WhatsApp) Send(ctx context.Context, to, text string) error {
	jid, err := parseRecipient(to)
	if err != nil {
		return err
	}
	return w.sendTo(ctx, jid, text)
}

func parseRecipient(to string) (types.JID, error) {
	to = strings.TrimPrefix(strings.TrimSpace(to), "+")
	if to == "" {
		return types.JID{}, errors.New("empty recipient")
	}
	if strings.Contains(to, "@") {
		return types.ParseJID(to)
	}
	return types.NewJID(to, types.DefaultUserServer), nil
}

// Logout unlinks the device. The LoggedOut event then starts a new pairing.
func (w *WhatsApp) Logout(ctx context.Context) error {
	client, _ := w.current()
	if client == nil || client.Store.ID == nil {
		return nil
	}
	return client.Logout(ctx)
}

// Restart drops the connection and reconnects with the stored device.
func (w *WhatsApp) Restart(ctx context.Context) error {
	client, base := w.current()
	if client != nil {
		client.Disconnect()
	}
	return w.open(base)
}

// Close disconnects and releases the device store.
func (w *WhatsApp) Close() {
	if client, _ := w.current(); client != nil {
		client.Disconnect()
	}
	w.pool.Release()
	if err := w.container.Close(); err != nil {
		zap.L().Warn("worker: close device store failed", zap.Error(err))
	}
}
