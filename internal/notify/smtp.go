package notify

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"
	"time"

	"github.com/dropDatabas3/hellofed/internal/domain/repository"
	"github.com/dropDatabas3/hellofed/internal/observability/logger"
	"github.com/dropDatabas3/hellofed/internal/util"
	mail "github.com/go-mail/mail"
)

// SMTPConfig configura el aviso por mail.
type SMTPConfig struct {
	Host               string
	Port               int
	From               string
	To                 []string
	Username           string
	Password           string
	TLSMode            string // "auto" | "starttls" | "ssl" | "none"
	InsecureSkipVerify bool
	// States filtra qué estados se notifican. Vacío: solo dead_lettered.
	States []repository.JobState
}

// SMTP envía un mail por cada job abandonado.
type SMTP struct {
	cfg    SMTPConfig
	states map[repository.JobState]bool
	send   func(...*mail.Message) error
}

func NewSMTP(cfg SMTPConfig) *SMTP {
	if cfg.TLSMode == "" {
		cfg.TLSMode = "auto"
	}
	s := &SMTP{cfg: cfg, states: make(map[repository.JobState]bool)}
	if len(cfg.States) == 0 {
		s.states[repository.JobDeadLettered] = true
	}
	for _, st := range cfg.States {
		s.states[st] = true
	}
	s.send = s.dialer().DialAndSend
	return s
}

func (s *SMTP) dialer() *mail.Dialer {
	d := mail.NewDialer(s.cfg.Host, s.cfg.Port, s.cfg.Username, s.cfg.Password)
	d.TLSConfig = &tls.Config{
		ServerName:         s.cfg.Host,
		InsecureSkipVerify: s.cfg.InsecureSkipVerify, // solo dev
	}
	d.Timeout = 10 * time.Second
	switch s.cfg.TLSMode {
	case "ssl":
		d.SSL = true
	case "starttls":
		d.StartTLSPolicy = mail.MandatoryStartTLS
	case "none":
		d.StartTLSPolicy = mail.NoStartTLS
	default:
		// "auto": go-mail negocia STARTTLS si el server lo ofrece
	}
	return d
}

func (s *SMTP) Notify(ctx context.Context, job *repository.DeliveryJob) error {
	if !s.states[job.State] || len(s.cfg.To) == 0 {
		return nil
	}
	log := logger.From(ctx).With(logger.Component("notify.smtp"), logger.JobID(job.ID))
	if err := s.send(s.message(job)); err != nil {
		log.Error("smtp send failed", logger.Err(err))
		return fmt.Errorf("smtp send: %w", err)
	}
	log.Debug("dead-letter notice sent", logger.Any("to", util.MaskEmails(s.cfg.To)))
	return nil
}

func (s *SMTP) message(job *repository.DeliveryJob) *mail.Message {
	m := mail.NewMessage()
	m.SetHeader("From", s.cfg.From)
	m.SetHeader("To", s.cfg.To...)
	m.SetHeader("Subject", fmt.Sprintf("[hellofed] delivery %s: %s", job.State, job.TargetInbox))

	var b strings.Builder
	fmt.Fprintf(&b, "Job:         %s\n", job.ID)
	fmt.Fprintf(&b, "State:       %s\n", job.State)
	fmt.Fprintf(&b, "Actor:       %s\n", job.ActorID)
	fmt.Fprintf(&b, "Activity:    %s\n", job.ActivityID)
	fmt.Fprintf(&b, "Inbox:       %s\n", job.TargetInbox)
	fmt.Fprintf(&b, "Recipients:  %s\n", strings.Join(job.Recipients, ", "))
	fmt.Fprintf(&b, "Attempts:    %d/%d\n", job.Attempts, job.MaxAttempts)
	if job.LastStatus != 0 {
		fmt.Fprintf(&b, "Last status: %d\n", job.LastStatus)
	}
	if job.LastError != "" {
		fmt.Fprintf(&b, "Last error:  %s\n", job.LastError)
	}
	m.SetBody("text/plain", b.String())
	return m
}
