package ledger

import "time"

const (
	operationGetOrCreateWallet = "get_or_create_wallet"
	operationAddCredits        = "add_credits"
	operationDeductCredits     = "deduct_credits"
	operationWelcomeCredits    = "welcome_credits"
	operationReconcile         = "reconcile"
	operationReserve           = "create_reservation"
	operationConsume           = "consume_reservation"
	operationRelease           = "release_reservation"
	operationExpire            = "expire_reservation"
	operationFinalize          = "finalize_checkout"
	operationBackfill          = "backfill_checkouts"
	operationRefund            = "refund_payment"

	operationStatusOK    = "ok"
	operationStatusError = "error"

	idempotencyKeyDelimiter  = ":"
	idempotencySuffixConsume = "consume"

	welcomeCreditsKeyPrefix      = "welcome_credits:"
	checkoutPaymentKeyPrefix     = "checkout_intent_"
	checkoutCreditKeyPrefix      = "checkout_credit_"
	checkoutMetadataSource       = "checkout_intent"
	refundKeyPrefix              = "refund:"
	refundKeySuffix              = ":reverse"
	metadataReservationOperation = "reservation_operation_id"

	// OperationCodeSignupBonus tags welcome credit grants.
	OperationCodeSignupBonus = "SIGNUP_BONUS"
	// OperationCodeCheckout tags credits granted by a finalized checkout.
	OperationCodeCheckout = "CHECKOUT"
	// OperationCodeReservation tags debits produced by consuming a reservation.
	OperationCodeReservation = "RESERVATION"
	// OperationCodeRefund tags debits that reverse refunded checkout credits.
	OperationCodeRefund = "REFUND"

	DefaultWelcomeCredits Credits = 5
	DefaultReservationTTL         = 30 * time.Minute
	MaxReservationTTL             = 7 * 24 * time.Hour
	DefaultListLimit              = 50
	MaxListLimit                  = 200
	DefaultSweepBatchSize         = 500
	DefaultCurrency               = "mxn"

	walletCreateAttempts = 2
)
