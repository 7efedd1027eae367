package notification

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"github.com/nao1215/marketplace/pkg/event"
)

// envelopeValidator はevent.Envelopeを検証する。
type envelopeValidator struct {
	validate *validator.Validate
}

func newEnvelopeValidator() *envelopeValidator {
	return &envelopeValidator{validate: validator.New(validator.WithRequiredStructEnabled())}
}

// check はタグによる検証に加えて、イベント種別が定義済みかを確認する。
func (v *envelopeValidator) check(env *event.Envelope) error {
	if err := v.validate.Struct(env); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if !env.Type.Valid() {
		return fmt.Errorf("%w: 未知のイベント種別 %q", ErrInvalidEvent, env.Type)
	}
	return nil
}

// Subscriber はメッセージバス（NATS）からイベントを受け取り、ディスパッチャに渡す。
type Subscriber struct {
	conn       *nats.Conn
	subject    string
	dispatcher *Dispatcher
	validator  *envelopeValidator
	log        logrus.FieldLogger
	metrics    *Metrics
	ctx        context.Context
	sub        *nats.Subscription
}

// NewSubscriber はSubscriberを生成する。
func NewSubscriber(conn *nats.Conn, subject string, dispatcher *Dispatcher, log logrus.FieldLogger, metrics *Metrics) *Subscriber {
	return &Subscriber{
		conn:       conn,
		subject:    subject,
		dispatcher: dispatcher,
		validator:  newEnvelopeValidator(),
		log:        log.WithField("component", "subscriber"),
		metrics:    metrics,
		ctx:        context.Background(),
	}
}

// Start はサブジェクトの購読を開始する。
func (s *Subscriber) Start(ctx context.Context) error {
	s.ctx = ctx
	sub, err := s.conn.Subscribe(s.subject, func(msg *nats.Msg) {
		if err := s.handleMessage(msg.Data); err != nil {
			s.log.WithError(err).WithField("subject", msg.Subject).Warn("イベントを破棄しました")
		}
	})
	if err != nil {
		return fmt.Errorf("サブジェクト %s の購読に失敗: %w", s.subject, err)
	}
	s.sub = sub
	s.log.WithField("subject", s.subject).Info("イベントの購読を開始しました")
	return nil
}

// Stop は処理中のメッセージを捌き切ってから購読を終了する。
func (s *Subscriber) Stop() error {
	if s.sub == nil {
		return nil
	}
	if err := s.sub.Drain(); err != nil {
		return fmt.Errorf("購読の終了に失敗: %w", err)
	}
	return nil
}

// handleMessage は1件のメッセージをデコード、検証して配信する。
// 不正なメッセージはエラーを返し、再送は求めない。
func (s *Subscriber) handleMessage(data []byte) error {
	var env event.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		s.metrics.ingressOutcome("rejected")
		return fmt.Errorf("イベントのデコードに失敗: %w", err)
	}
	if err := s.validator.check(&env); err != nil {
		s.metrics.ingressOutcome("rejected")
		return err
	}

	s.metrics.ingressOutcome("accepted")
	s.dispatcher.DispatchAll(s.ctx, env.Type, env.Recipients)
	return nil
}
