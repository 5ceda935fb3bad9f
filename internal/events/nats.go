package events

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

type NatsConfig struct {
	URL           string
	Name          string
	SubjectPrefix string
	ReconnectWait time.Duration
	Timeout       time.Duration
}

// NatsSink forwards bus events to NATS as JSON on <prefix>.<type>.
type NatsSink struct {
	nc     *nats.Conn
	prefix string
	log    *zap.Logger
}

func NewNatsSink(cfg NatsConfig, log *zap.Logger) (*NatsSink, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("nats url missing")
	}
	if cfg.ReconnectWait == 0 {
		cfg.ReconnectWait = 500 * time.Millisecond
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 3 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.ReconnectJitter(100*time.Millisecond, 500*time.Millisecond),
		nats.Timeout(cfg.Timeout),
	}
	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, err
	}
	return &NatsSink{nc: nc, prefix: strings.TrimSuffix(cfg.SubjectPrefix, "."), log: log.Named("events.nats")}, nil
}

func (s *NatsSink) Subject(t Type) string {
	if s.prefix == "" {
		return string(t)
	}
	return s.prefix + "." + string(t)
}

// Handle is a bus Handler. Publishing is fire-and-forget; failures are logged.
func (s *NatsSink) Handle(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		s.log.Warn("marshal event failed", zap.String("type", string(ev.Type)), zap.Error(err))
		return
	}
	msg := nats.NewMsg(s.Subject(ev.Type))
	msg.Data = data
	msg.Header.Add("source", ev.Source)
	if err := s.nc.PublishMsg(msg); err != nil {
		s.log.Warn("publish event failed", zap.String("type", string(ev.Type)), zap.Error(err))
	}
}

func (s *NatsSink) Close() error {
	if s == nil || s.nc == nil {
		return nil
	}
	return s.nc.Drain()
}
