package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ReservationOutcome tells callers whether a transition was applied or replayed.
type ReservationOutcome string

const (
	ReservationOutcomeCreated         ReservationOutcome = "created"
	ReservationOutcomeExisting        ReservationOutcome = "existing"
	ReservationOutcomeConsumed        ReservationOutcome = "consumed"
	ReservationOutcomeAlreadyConsumed ReservationOutcome = "already_consumed"
	ReservationOutcomeReleased        ReservationOutcome = "released"
	ReservationOutcomeAlreadyClosed   ReservationOutcome = "already_closed"
	ReservationOutcomeExpired         ReservationOutcome = "expired"
)

// ReservationRequest asks for credits to be held for an operation.
type ReservationRequest struct {
	UserID        UserID
	Credits       Credits
	OperationID   OperationID
	OperationCode string
	JobID         string
	TTL           time.Duration
	Reason        string
}

// ConsumeRequest settles a reservation. Zero ActualCredits consumes the full hold.
type ConsumeRequest struct {
	OperationID       OperationID
	ActualCredits     Credits
	LedgerOperationID IdempotencyKey
}

// ConsumeResult carries the settled reservation and its debit entry.
type ConsumeResult struct {
	Reservation Reservation
	Entry       Entry
	Outcome     ReservationOutcome
}

// CreateResult carries the held reservation and whether this call created it.
type CreateResult struct {
	Reservation Reservation
	Outcome     ReservationOutcome
}

// ReleaseResult carries the reservation after a release attempt.
type ReleaseResult struct {
	Reservation Reservation
	Outcome     ReservationOutcome
}

// ReservationService manages the hold, consume and release lifecycle.
type ReservationService struct {
	wallets      *WalletService
	store        Store
	nowFn        func() time.Time
	dependencies serviceDependencies
}

// NewReservationService wires a ReservationService on top of the wallet mutation path.
func NewReservationService(wallets *WalletService, options ...ServiceOption) (*ReservationService, error) {
	if wallets == nil {
		return nil, fmt.Errorf("%w: wallet service dependency is nil", ErrInvalidServiceConfig)
	}
	return &ReservationService{
		wallets:      wallets,
		store:        wallets.store,
		nowFn:        wallets.nowFn,
		dependencies: newServiceDependencies(options),
	}, nil
}

// CreateReservation holds credits for an operation. A repeated operation id returns the stored
// reservation with ReservationOutcomeExisting.
func (service *ReservationService) CreateReservation(ctx context.Context, request ReservationRequest) (CreateResult, error) {
	startedAt := time.Now()
	ctx, span := startSpan(ctx, operationReserve, userAttr(request.UserID), creditsAttr(request.Credits), operationIDAttr(request.OperationID))
	var (
		reservation Reservation
		outcome     ReservationOutcome
	)
	operationError := validateReservationRequest(request)
	if operationError == nil {
		ttl := request.TTL
		if ttl == 0 {
			ttl = DefaultReservationTTL
		}
		operationError = withReplayOn(ctx, service.store, ErrReservationExists, func(ctx context.Context, transactionStore Store) error {
			walletResult, err := service.wallets.lockOrCreateWallet(ctx, transactionStore, request.UserID)
			if err != nil {
				return err
			}
			existing, found, err := transactionStore.FindReservationByOperation(ctx, request.OperationID)
			if err != nil {
				return err
			}
			if found {
				if existing.UserID != request.UserID {
					return WrapError("reservation", "operation_id", "owned_by_other_user", ErrReservationExists)
				}
				reservation, outcome = existing, ReservationOutcomeExisting
				return nil
			}
			if err := service.wallets.holdCredits(ctx, transactionStore, walletResult.Wallet, request.Credits); err != nil {
				return err
			}
			now := service.nowFn()
			storedReservation, err := transactionStore.InsertReservation(ctx, Reservation{
				UserID:          request.UserID,
				CreditsReserved: request.Credits,
				OperationCode:   request.OperationCode,
				JobID:           request.JobID,
				OperationID:     request.OperationID,
				Status:          ReservationStatusActive,
				Reason:          request.Reason,
				ExpiresAt:       now.Add(ttl),
				CreatedAt:       now,
				UpdatedAt:       now,
			})
			if err != nil {
				return err
			}
			reservation, outcome = storedReservation, ReservationOutcomeCreated
			return nil
		})
	}
	endSpan(span, operationError)
	service.dependencies.logOperation(ctx, startedAt, OperationLog{
		Operation:     operationReserve,
		UserID:        request.UserID,
		ReservationID: reservation.ID,
		OperationID:   request.OperationID.String(),
		Credits:       request.Credits,
		Outcome:       string(outcome),
		Error:         operationError,
	})
	if operationError != nil {
		return CreateResult{}, operationError
	}
	return CreateResult{Reservation: reservation, Outcome: outcome}, nil
}

// ConsumeReservation debits the consumed credits and releases the whole hold.
// Replays of an already consumed reservation succeed without writes.
func (service *ReservationService) ConsumeReservation(ctx context.Context, request ConsumeRequest) (ConsumeResult, error) {
	startedAt := time.Now()
	ctx, span := startSpan(ctx, operationConsume, operationIDAttr(request.OperationID), creditsAttr(request.ActualCredits))
	var (
		result  ConsumeResult
		expired bool
	)
	operationError := validateConsumeRequest(request)
	if operationError == nil {
		operationError = service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
			reservation, err := transactionStore.LockReservationByOperation(ctx, request.OperationID)
			if err != nil {
				return err
			}
			result.Reservation = reservation
			if reservation.Status == ReservationStatusConsumed {
				result.Outcome = ReservationOutcomeAlreadyConsumed
				return nil
			}
			debit, found, err := transactionStore.FindDebitByReservation(ctx, reservation.ID)
			if err != nil {
				return err
			}
			if found {
				result.Entry, result.Outcome = debit, ReservationOutcomeAlreadyConsumed
				return nil
			}
			if reservation.Status.IsTerminal() {
				return WrapError("reservation", "status", reservation.Status.String(), ErrReservationClosed)
			}
			now := service.nowFn()
			if reservation.IsExpiredAt(now) {
				expiredReservation, err := service.expireLocked(ctx, transactionStore, reservation, now)
				if err != nil {
					return err
				}
				result.Reservation, result.Outcome, expired = expiredReservation, ReservationOutcomeExpired, true
				return nil
			}
			consumed := request.ActualCredits
			if consumed == 0 {
				consumed = reservation.CreditsReserved
			}
			if consumed > reservation.CreditsReserved {
				return fmt.Errorf("%w: consumed %d exceeds reserved %d", ErrInvalidCredits, consumed, reservation.CreditsReserved)
			}
			ledgerKey := request.LedgerOperationID
			if ledgerKey.IsZero() {
				ledgerKey, err = NewIdempotencyKey(request.OperationID.String() + idempotencyKeyDelimiter + idempotencySuffixConsume)
				if err != nil {
					return err
				}
			}
			metadata, err := MetadataFromMap(map[string]any{metadataReservationOperation: request.OperationID.String()})
			if err != nil {
				return err
			}
			entry, err := service.wallets.settleHold(ctx, transactionStore, reservation, consumed, ledgerKey, metadata)
			if err != nil {
				return err
			}
			previousStatus := reservation.Status
			reservation.Status = ReservationStatusConsumed
			reservation.CreditsConsumed = consumed
			reservation.ConsumedAt = &now
			reservation.UpdatedAt = now
			if err := transactionStore.UpdateReservation(ctx, reservation, previousStatus); err != nil {
				return err
			}
			result.Reservation, result.Entry, result.Outcome = reservation, entry, ReservationOutcomeConsumed
			return nil
		})
	}
	if operationError == nil && expired {
		service.publishExpired(ctx, result.Reservation)
		operationError = WrapError("reservation", "status", "expired", ErrReservationExpired)
	}
	if operationError == nil && result.Outcome == ReservationOutcomeConsumed {
		service.dependencies.publishEvent(ctx, Event{
			Type:          EventReservationConsumed,
			UserID:        result.Reservation.UserID.String(),
			ReservationID: result.Reservation.ID,
			OperationID:   result.Reservation.OperationID.String(),
			Credits:       result.Reservation.CreditsConsumed.Int64(),
			OccurredAt:    service.nowFn(),
		})
	}
	endSpan(span, operationError)
	service.dependencies.logOperation(ctx, startedAt, OperationLog{
		Operation:      operationConsume,
		UserID:         result.Reservation.UserID,
		ReservationID:  result.Reservation.ID,
		OperationID:    request.OperationID.String(),
		Credits:        result.Reservation.CreditsConsumed,
		IdempotencyKey: result.Entry.IdempotencyKey,
		Outcome:        string(result.Outcome),
		Error:          operationError,
	})
	return result, operationError
}

// ReleaseReservation cancels an open reservation by id and returns its hold to available.
func (service *ReservationService) ReleaseReservation(ctx context.Context, reservationID ReservationID) (ReleaseResult, error) {
	if reservationID.String() == "" {
		return ReleaseResult{}, fmt.Errorf("%w: empty value", ErrInvalidReservationID)
	}
	return service.release(ctx, reservationID.String(), func(ctx context.Context, transactionStore Store) (Reservation, error) {
		return transactionStore.LockReservationForUpdate(ctx, reservationID)
	})
}

// CancelReservation cancels an open reservation by its operation id.
func (service *ReservationService) CancelReservation(ctx context.Context, operationID OperationID) (ReleaseResult, error) {
	if operationID.String() == "" {
		return ReleaseResult{}, fmt.Errorf("%w: empty value", ErrInvalidOperationID)
	}
	return service.release(ctx, operationID.String(), func(ctx context.Context, transactionStore Store) (Reservation, error) {
		return transactionStore.LockReservationByOperation(ctx, operationID)
	})
}

// ListActiveReservations returns the user's open reservations.
func (service *ReservationService) ListActiveReservations(ctx context.Context, userID UserID) ([]Reservation, error) {
	if userID.String() == "" {
		return nil, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	return service.store.ListOpenReservations(ctx, userID)
}

// ExpireReservations moves open reservations past their deadline to expired and releases their holds.
// Each reservation is expired in its own transaction; failures are joined and do not stop the sweep.
func (service *ReservationService) ExpireReservations(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = DefaultSweepBatchSize
	}
	now := service.nowFn()
	candidates, err := service.store.ListExpiredReservations(ctx, now, limit)
	if err != nil {
		return 0, err
	}
	expiredCount := 0
	var sweepErrors []error
	for _, candidate := range candidates {
		if err := ctx.Err(); err != nil {
			sweepErrors = append(sweepErrors, err)
			break
		}
		reservation, expired, err := service.expireOne(ctx, candidate.ID, now)
		if err != nil {
			sweepErrors = append(sweepErrors, fmt.Errorf("reservation %s: %w", candidate.ID, err))
			continue
		}
		if expired {
			expiredCount++
			service.publishExpired(ctx, reservation)
		}
	}
	return expiredCount, errors.Join(sweepErrors...)
}

func (service *ReservationService) expireOne(ctx context.Context, rawReservationID string, now time.Time) (Reservation, bool, error) {
	startedAt := time.Now()
	ctx, span := startSpan(ctx, operationExpire)
	var (
		reservation Reservation
		expired     bool
	)
	reservationID, operationError := NewReservationID(rawReservationID)
	if operationError == nil {
		operationError = service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
			locked, err := transactionStore.LockReservationForUpdate(ctx, reservationID)
			if err != nil {
				return err
			}
			reservation = locked
			if !locked.IsExpiredAt(now) {
				return nil
			}
			expiredReservation, err := service.expireLocked(ctx, transactionStore, locked, now)
			if err != nil {
				return err
			}
			reservation, expired = expiredReservation, true
			return nil
		})
	}
	endSpan(span, operationError)
	outcome := ReservationOutcomeAlreadyClosed
	if expired {
		outcome = ReservationOutcomeExpired
	}
	service.dependencies.logOperation(ctx, startedAt, OperationLog{
		Operation:     operationExpire,
		UserID:        reservation.UserID,
		ReservationID: rawReservationID,
		OperationID:   reservation.OperationID.String(),
		Credits:       reservation.CreditsReserved,
		Outcome:       string(outcome),
		Error:         operationError,
	})
	return reservation, expired, operationError
}

func (service *ReservationService) release(ctx context.Context, reference string, lock func(ctx context.Context, transactionStore Store) (Reservation, error)) (ReleaseResult, error) {
	startedAt := time.Now()
	ctx, span := startSpan(ctx, operationRelease)
	var result ReleaseResult
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		reservation, err := lock(ctx, transactionStore)
		if err != nil {
			return err
		}
		if reservation.Status.IsTerminal() {
			result = ReleaseResult{Reservation: reservation, Outcome: ReservationOutcomeAlreadyClosed}
			return nil
		}
		if err := service.wallets.releaseHold(ctx, transactionStore, reservation.UserID, reservation.CreditsReserved); err != nil {
			return err
		}
		now := service.nowFn()
		previousStatus := reservation.Status
		reservation.Status = ReservationStatusCancelled
		reservation.ReleasedAt = &now
		reservation.UpdatedAt = now
		if err := transactionStore.UpdateReservation(ctx, reservation, previousStatus); err != nil {
			return err
		}
		result = ReleaseResult{Reservation: reservation, Outcome: ReservationOutcomeReleased}
		return nil
	})
	endSpan(span, operationError)
	service.dependencies.logOperation(ctx, startedAt, OperationLog{
		Operation:     operationRelease,
		UserID:        result.Reservation.UserID,
		ReservationID: result.Reservation.ID,
		OperationID:   reference,
		Credits:       result.Reservation.CreditsReserved,
		Outcome:       string(result.Outcome),
		Error:         operationError,
	})
	return result, operationError
}

func (service *ReservationService) expireLocked(ctx context.Context, transactionStore Store, reservation Reservation, now time.Time) (Reservation, error) {
	if err := service.wallets.releaseHold(ctx, transactionStore, reservation.UserID, reservation.CreditsReserved); err != nil {
		return Reservation{}, err
	}
	previousStatus := reservation.Status
	reservation.Status = ReservationStatusExpired
	reservation.ExpiredAt = &now
	reservation.UpdatedAt = now
	if err := transactionStore.UpdateReservation(ctx, reservation, previousStatus); err != nil {
		return Reservation{}, err
	}
	return reservation, nil
}

func (service *ReservationService) publishExpired(ctx context.Context, reservation Reservation) {
	service.dependencies.publishEvent(ctx, Event{
		Type:          EventReservationExpired,
		UserID:        reservation.UserID.String(),
		ReservationID: reservation.ID,
		OperationID:   reservation.OperationID.String(),
		Credits:       reservation.CreditsReserved.Int64(),
		OccurredAt:    service.nowFn(),
	})
}

// TTLFromSeconds converts a client supplied lifetime, rejecting values outside
// [0, MaxReservationTTL] before the multiplication can overflow. Zero selects the default.
func TTLFromSeconds(seconds int64) (time.Duration, error) {
	if seconds < 0 {
		return 0, fmt.Errorf("%w: ttl_seconds must not be negative", ErrInvalidTTL)
	}
	if seconds > int64(MaxReservationTTL/time.Second) {
		return 0, fmt.Errorf("%w: ttl_seconds must not exceed %d", ErrInvalidTTL, int64(MaxReservationTTL/time.Second))
	}
	return time.Duration(seconds) * time.Second, nil
}

func validateReservationRequest(request ReservationRequest) error {
	if request.UserID.String() == "" {
		return fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	if request.Credits <= 0 {
		return fmt.Errorf("%w: must be greater than zero", ErrInvalidCredits)
	}
	if request.OperationID.String() == "" {
		return fmt.Errorf("%w: empty value", ErrInvalidOperationID)
	}
	if request.TTL < 0 {
		return fmt.Errorf("%w: must not be negative", ErrInvalidTTL)
	}
	if request.TTL > MaxReservationTTL {
		return fmt.Errorf("%w: must not exceed %s", ErrInvalidTTL, MaxReservationTTL)
	}
	return nil
}

func validateConsumeRequest(request ConsumeRequest) error {
	if request.OperationID.String() == "" {
		return fmt.Errorf("%w: empty value", ErrInvalidOperationID)
	}
	if request.ActualCredits < 0 {
		return fmt.Errorf("%w: must not be negative", ErrInvalidCredits)
	}
	return nil
}
