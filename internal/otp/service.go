// Package otp выдает, проверяет и просрочивает коды подтверждения заказов.
package otp

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cafe-settlement/internal/metrics"
	"cafe-settlement/internal/store"
	"cafe-settlement/pkg/models"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// Service сервис кодов подтверждения
type Service struct {
	store   store.Store
	sender  Sender
	ttl     time.Duration
	batch   int
	metrics *metrics.Metrics
	logger  *zap.Logger
	now     func() time.Time
}

// NewService создает новый сервис кодов подтверждения
func NewService(st store.Store, sender Sender, ttl time.Duration, batch int, m *metrics.Metrics, logger *zap.Logger) *Service {
	if batch <= 0 {
		batch = 500
	}
	return &Service{
		store:   st,
		sender:  sender,
		ttl:     ttl,
		batch:   batch,
		metrics: m,
		logger:  logger,
		now:     time.Now,
	}
}

// TTL срок действия кода
func (s *Service) TTL() time.Duration {
	return s.ttl
}

// generateCode возвращает шестизначный TOTP-код по свежему секрету
func generateCode(now time.Time) (string, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      "cafe-settlement",
		AccountName: "order",
	})
	if err != nil {
		return "", fmt.Errorf("ошибка генерации секрета: %w", err)
	}
	return totp.GenerateCodeCustom(key.Secret(), now, totp.ValidateOpts{
		Period:    30,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
}

// Issue выдает новый код и отправляет его. Код сохраняется и фиксируется
// до отправки, блокировка заказа на время доставки не держится. Если
// доставка не удалась, отдельная транзакция возвращает прежний статус.
func (s *Service) Issue(ctx context.Context, orderID int64, destination string) error {
	now := s.now()
	code, err := generateCode(now)
	if err != nil {
		return err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(code), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("ошибка хеширования кода: %w", err)
	}
	hashed := string(hash)

	var prev models.Order
	err = s.store.InTx(ctx, func(tx store.Tx) error {
		order, err := tx.Orders().GetForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		if order.OtpStatus == models.OtpVerified {
			return fmt.Errorf("заказ %d уже подтвержден: %w", orderID, models.ErrInvalidTransition)
		}

		prev = *order
		order.OtpStatus = models.OtpSent
		order.OtpCodeHash = &hashed
		order.OtpSentAt = &now
		order.OtpVerifiedAt = nil
		if err := tx.Orders().UpdateOtp(ctx, order); err != nil {
			return err
		}
		return store.RecordTransition(ctx, tx, store.EntityOrder, orderID, "otp_status", prev.OtpStatus, models.OtpSent, "код выдан")
	})
	if err != nil {
		s.metrics.RecordOtp("issue_failed")
		return fmt.Errorf("ошибка выдачи кода для заказа %d: %w", orderID, err)
	}

	if err := s.sender.Send(ctx, destination, code, orderID); err != nil {
		s.metrics.RecordOtp("issue_failed")
		if rerr := s.revertIssue(ctx, &prev, hashed); rerr != nil {
			s.logger.Error("ошибка отката выдачи кода", zap.Int64("order_id", orderID), zap.Error(rerr))
		}
		return fmt.Errorf("ошибка доставки кода для заказа %d: %w", orderID, err)
	}

	s.metrics.RecordOtp("issued")
	s.logger.Info("код подтверждения выдан", zap.Int64("order_id", orderID))
	return nil
}

// revertIssue возвращает поля кода к prev, если заказ все еще держит
// недоставленный код hashed
func (s *Service) revertIssue(ctx context.Context, prev *models.Order, hashed string) error {
	return s.store.InTx(ctx, func(tx store.Tx) error {
		order, err := tx.Orders().GetForUpdate(ctx, prev.ID)
		if err != nil {
			return err
		}
		if order.OtpStatus != models.OtpSent || order.OtpCodeHash == nil || *order.OtpCodeHash != hashed {
			return nil
		}
		order.OtpStatus = prev.OtpStatus
		order.OtpCodeHash = prev.OtpCodeHash
		order.OtpSentAt = prev.OtpSentAt
		order.OtpVerifiedAt = prev.OtpVerifiedAt
		if err := tx.Orders().UpdateOtp(ctx, order); err != nil {
			return err
		}
		return store.RecordTransition(ctx, tx, store.EntityOrder, order.ID, "otp_status", models.OtpSent, prev.OtpStatus, "код не доставлен")
	})
}

// Verify проверяет код. Просроченный код переводит заказ в expired и
// возвращает ErrOtpExpired; дальше нужен новый Issue.
func (s *Service) Verify(ctx context.Context, orderID int64, code string) error {
	var outcome error
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		order, err := tx.Orders().GetForUpdate(ctx, orderID)
		if err != nil {
			return err
		}

		switch order.OtpStatus {
		case models.OtpVerified:
			return nil
		case models.OtpExpired:
			outcome = models.ErrOtpExpired
			return nil
		case models.OtpNotRequired:
			if order.OtpCodeHash == nil {
				return fmt.Errorf("код для заказа %d не выдавался: %w", orderID, models.ErrInvalidTransition)
			}
		}

		now := s.now()
		if order.OtpStatus == models.OtpSent && s.expired(order, now) {
			outcome = models.ErrOtpExpired
			return s.expire(ctx, tx, order, "истек при проверке")
		}

		if order.OtpCodeHash == nil || bcrypt.CompareHashAndPassword([]byte(*order.OtpCodeHash), []byte(code)) != nil {
			outcome = models.ErrOtpInvalid
			return nil
		}

		from := order.OtpStatus
		order.OtpStatus = models.OtpVerified
		order.OtpVerifiedAt = &now
		order.OtpCodeHash = nil
		if err := tx.Orders().UpdateOtp(ctx, order); err != nil {
			return err
		}
		return store.RecordTransition(ctx, tx, store.EntityOrder, orderID, "otp_status", from, models.OtpVerified, "код подтвержден")
	})
	if err != nil {
		return fmt.Errorf("ошибка проверки кода для заказа %d: %w", orderID, err)
	}

	switch {
	case errors.Is(outcome, models.ErrOtpExpired):
		s.metrics.RecordOtp("expired")
	case errors.Is(outcome, models.ErrOtpInvalid):
		s.metrics.RecordOtp("invalid")
		s.logger.Warn("неверный код подтверждения", zap.Int64("order_id", orderID))
	default:
		s.metrics.RecordOtp("verified")
		s.logger.Info("заказ подтвержден кодом", zap.Int64("order_id", orderID))
	}
	return outcome
}

// ExpireStale переводит в expired все коды старше срока действия
func (s *Service) ExpireStale(ctx context.Context) (int, error) {
	started := time.Now()
	defer func() { s.metrics.ObserveSweep("otp", time.Since(started)) }()

	expired := 0
	cutoff := s.now().Add(-s.ttl)
	var after int64
	for {
		batch, err := s.store.Orders().ListOtpStale(ctx, cutoff, after, s.batch)
		if err != nil {
			return expired, fmt.Errorf("ошибка получения просроченных кодов: %w", err)
		}
		if len(batch) == 0 {
			break
		}

		for _, o := range batch {
			changed := false
			err := s.store.InTx(ctx, func(tx store.Tx) error {
				order, err := tx.Orders().GetForUpdate(ctx, o.ID)
				if err != nil {
					return err
				}
				if order.OtpStatus != models.OtpSent || !s.expired(order, s.now()) {
					return nil
				}
				changed = true
				return s.expire(ctx, tx, order, "срок действия истек")
			})
			if err != nil {
				s.logger.Error("ошибка просрочки кода", zap.Int64("order_id", o.ID), zap.Error(err))
				continue
			}
			if changed {
				expired++
				s.metrics.RecordOtp("expired")
			}
		}

		after = batch[len(batch)-1].ID
		if len(batch) < s.batch {
			break
		}
	}

	if expired > 0 {
		s.logger.Info("коды подтверждения просрочены", zap.Int("count", expired))
	}
	return expired, nil
}

func (s *Service) expired(order *models.Order, now time.Time) bool {
	return order.OtpSentAt != nil && now.Sub(*order.OtpSentAt) > s.ttl
}

func (s *Service) expire(ctx context.Context, tx store.Tx, order *models.Order, reason string) error {
	order.OtpStatus = models.OtpExpired
	order.OtpCodeHash = nil
	if err := tx.Orders().UpdateOtp(ctx, order); err != nil {
		return err
	}
	return store.RecordTransition(ctx, tx, store.EntityOrder, order.ID, "otp_status", models.OtpSent, models.OtpExpired, reason)
}
