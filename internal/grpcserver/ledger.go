package grpcserver

import (
	"context"
	"fmt"

	"github.com/MarkoPoloResearchLab/creditledger/pkg/ledger"
	"google.golang.org/grpc"
)

const (
	methodBalance            = "Balance"
	methodCreateReservation  = "CreateReservation"
	methodConsumeReservation = "ConsumeReservation"
	methodFinalizeCheckout   = "FinalizeCheckout"
	methodRefundPayment      = "RefundPayment"
)

// BalanceRequest names the wallet to read.
type BalanceRequest struct {
	UserID string `json:"user_id"`
}

// BalanceResponse reports the wallet totals.
type BalanceResponse struct {
	UserID    string `json:"user_id"`
	Balance   int64  `json:"balance"`
	Reserved  int64  `json:"reserved"`
	Available int64  `json:"available"`
}

// CreateReservationRequest holds credits for an operation. Zero TTLSeconds uses the default lifetime.
type CreateReservationRequest struct {
	UserID        string `json:"user_id"`
	Credits       int64  `json:"credits"`
	OperationID   string `json:"operation_id"`
	OperationCode string `json:"operation_code,omitempty"`
	JobID         string `json:"job_id,omitempty"`
	TTLSeconds    int64  `json:"ttl_seconds,omitempty"`
	Reason        string `json:"reason,omitempty"`
}

// ConsumeReservationRequest settles the reservation held for OperationID.
type ConsumeReservationRequest struct {
	OperationID       string `json:"operation_id"`
	ActualCredits     int64  `json:"actual_credits,omitempty"`
	LedgerOperationID string `json:"ledger_operation_id,omitempty"`
}

// ReservationResponse reports a reservation after a transition.
type ReservationResponse struct {
	ReservationID   string `json:"reservation_id"`
	UserID          string `json:"user_id"`
	OperationID     string `json:"operation_id"`
	Status          string `json:"status"`
	CreditsReserved int64  `json:"credits_reserved"`
	CreditsConsumed int64  `json:"credits_consumed"`
	EntryID         string `json:"entry_id,omitempty"`
	Outcome         string `json:"outcome"`
}

// FinalizeCheckoutRequest names a completed checkout intent.
type FinalizeCheckoutRequest struct {
	IntentID int64 `json:"intent_id"`
}

// FinalizeCheckoutResponse reports the payment behind a finalized intent.
type FinalizeCheckoutResponse struct {
	IntentID       int64  `json:"intent_id"`
	PaymentID      string `json:"payment_id"`
	UserID         string `json:"user_id"`
	CreditsGranted int64  `json:"credits_granted"`
	Result         string `json:"result"`
}

// RefundPaymentRequest reverses credits granted by a payment.
type RefundPaymentRequest struct {
	RefundID  string `json:"refund_id"`
	PaymentID string `json:"payment_id"`
	Credits   int64  `json:"credits,omitempty"`
}

// RefundPaymentResponse reports the reversal written for a refund.
type RefundPaymentResponse struct {
	RefundID        string `json:"refund_id"`
	PaymentID       string `json:"payment_id"`
	UserID          string `json:"user_id"`
	CreditsReversed int64  `json:"credits_reversed"`
	EntryID         string `json:"entry_id,omitempty"`
	Result          string `json:"result"`
}

// LedgerServer is the handler side of the creditledger.Ledger service.
type LedgerServer interface {
	Balance(ctx context.Context, request *BalanceRequest) (*BalanceResponse, error)
	CreateReservation(ctx context.Context, request *CreateReservationRequest) (*ReservationResponse, error)
	ConsumeReservation(ctx context.Context, request *ConsumeReservationRequest) (*ReservationResponse, error)
	FinalizeCheckout(ctx context.Context, request *FinalizeCheckoutRequest) (*FinalizeCheckoutResponse, error)
	RefundPayment(ctx context.Context, request *RefundPaymentRequest) (*RefundPaymentResponse, error)
}

// LedgerServiceDesc describes creditledger.Ledger for grpc.Server.RegisterService.
var LedgerServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*LedgerServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: methodBalance, Handler: unaryHandler(methodBalance, LedgerServer.Balance)},
		{MethodName: methodCreateReservation, Handler: unaryHandler(methodCreateReservation, LedgerServer.CreateReservation)},
		{MethodName: methodConsumeReservation, Handler: unaryHandler(methodConsumeReservation, LedgerServer.ConsumeReservation)},
		{MethodName: methodFinalizeCheckout, Handler: unaryHandler(methodFinalizeCheckout, LedgerServer.FinalizeCheckout)},
		{MethodName: methodRefundPayment, Handler: unaryHandler(methodRefundPayment, LedgerServer.RefundPayment)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "creditledger/ledger.json",
}

func fullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

// unaryHandler decodes Request and routes the call through the server's interceptor chain.
func unaryHandler[Request any, Response any](method string, call func(LedgerServer, context.Context, *Request) (*Response, error)) grpc.MethodHandler {
	return func(server any, ctx context.Context, decode func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		request := new(Request)
		if err := decode(request); err != nil {
			return nil, err
		}
		invoke := func(ctx context.Context, request any) (any, error) {
			return call(server.(LedgerServer), ctx, request.(*Request))
		}
		if interceptor == nil {
			return invoke(ctx, request)
		}
		return interceptor(ctx, request, &grpc.UnaryServerInfo{Server: server, FullMethod: fullMethod(method)}, invoke)
	}
}

// LedgerService adapts the ledger services to LedgerServer. Handlers return ledger errors
// untouched; ErrorInterceptor turns them into status codes.
type LedgerService struct {
	wallets      *ledger.WalletService
	reservations *ledger.ReservationService
	checkout     *ledger.CheckoutService
}

// NewLedgerService validates and wires the ledger services.
func NewLedgerService(wallets *ledger.WalletService, reservations *ledger.ReservationService, checkout *ledger.CheckoutService) (*LedgerService, error) {
	if wallets == nil || reservations == nil || checkout == nil {
		return nil, fmt.Errorf("%w: grpc ledger service needs every ledger service", ledger.ErrInvalidServiceConfig)
	}
	return &LedgerService{wallets: wallets, reservations: reservations, checkout: checkout}, nil
}

func (service *LedgerService) Balance(ctx context.Context, request *BalanceRequest) (*BalanceResponse, error) {
	userID, err := ledger.NewUserID(request.UserID)
	if err != nil {
		return nil, err
	}
	balance, err := service.wallets.Balance(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &BalanceResponse{
		UserID:    userID.String(),
		Balance:   balance.Balance.Int64(),
		Reserved:  balance.Reserved.Int64(),
		Available: balance.Available.Int64(),
	}, nil
}

func (service *LedgerService) CreateReservation(ctx context.Context, request *CreateReservationRequest) (*ReservationResponse, error) {
	userID, err := ledger.NewUserID(request.UserID)
	if err != nil {
		return nil, err
	}
	operationID, err := ledger.NewOperationID(request.OperationID)
	if err != nil {
		return nil, err
	}
	ttl, err := ledger.TTLFromSeconds(request.TTLSeconds)
	if err != nil {
		return nil, err
	}
	result, err := service.reservations.CreateReservation(ctx, ledger.ReservationRequest{
		UserID:        userID,
		Credits:       ledger.Credits(request.Credits),
		OperationID:   operationID,
		OperationCode: request.OperationCode,
		JobID:         request.JobID,
		TTL:           ttl,
		Reason:        request.Reason,
	})
	if err != nil {
		return nil, err
	}
	return newReservationResponse(result.Reservation, "", result.Outcome), nil
}

func (service *LedgerService) ConsumeReservation(ctx context.Context, request *ConsumeReservationRequest) (*ReservationResponse, error) {
	operationID, err := ledger.NewOperationID(request.OperationID)
	if err != nil {
		return nil, err
	}
	result, err := service.reservations.ConsumeReservation(ctx, ledger.ConsumeRequest{
		OperationID:       operationID,
		ActualCredits:     ledger.Credits(request.ActualCredits),
		LedgerOperationID: ledger.OptionalIdempotencyKey(request.LedgerOperationID),
	})
	if err != nil {
		return nil, err
	}
	return newReservationResponse(result.Reservation, result.Entry.ID, result.Outcome), nil
}

func (service *LedgerService) FinalizeCheckout(ctx context.Context, request *FinalizeCheckoutRequest) (*FinalizeCheckoutResponse, error) {
	result, err := service.checkout.Finalize(ctx, request.IntentID)
	if err != nil {
		return nil, err
	}
	return &FinalizeCheckoutResponse{
		IntentID:       result.IntentID,
		PaymentID:      result.PaymentID,
		UserID:         result.UserID.String(),
		CreditsGranted: result.CreditsGranted.Int64(),
		Result:         string(result.Result),
	}, nil
}

func (service *LedgerService) RefundPayment(ctx context.Context, request *RefundPaymentRequest) (*RefundPaymentResponse, error) {
	result, err := service.checkout.RefundPayment(ctx, ledger.RefundRequest{
		RefundID:  request.RefundID,
		PaymentID: request.PaymentID,
		Credits:   ledger.Credits(request.Credits),
	})
	if err != nil {
		return nil, err
	}
	return &RefundPaymentResponse{
		RefundID:        result.RefundID,
		PaymentID:       result.PaymentID,
		UserID:          result.UserID.String(),
		CreditsReversed: result.CreditsReversed.Int64(),
		EntryID:         result.Entry.ID,
		Result:          string(result.Result),
	}, nil
}

func newReservationResponse(reservation ledger.Reservation, entryID string, outcome ledger.ReservationOutcome) *ReservationResponse {
	return &ReservationResponse{
		ReservationID:   reservation.ID,
		UserID:          reservation.UserID.String(),
		OperationID:     reservation.OperationID.String(),
		Status:          reservation.Status.String(),
		CreditsReserved: reservation.CreditsReserved.Int64(),
		CreditsConsumed: reservation.CreditsConsumed.Int64(),
		EntryID:         entryID,
		Outcome:         string(outcome),
	}
}

// LedgerClient calls creditledger.Ledger using the JSON codec.
type LedgerClient struct {
	conn grpc.ClientConnInterface
}

// NewLedgerClient wraps an established connection.
func NewLedgerClient(conn grpc.ClientConnInterface) *LedgerClient {
	return &LedgerClient{conn: conn}
}

func (client *LedgerClient) Balance(ctx context.Context, request *BalanceRequest, options ...grpc.CallOption) (*BalanceResponse, error) {
	return invoke[BalanceResponse](ctx, client.conn, methodBalance, request, options)
}

func (client *LedgerClient) CreateReservation(ctx context.Context, request *CreateReservationRequest, options ...grpc.CallOption) (*ReservationResponse, error) {
	return invoke[ReservationResponse](ctx, client.conn, methodCreateReservation, request, options)
}

func (client *LedgerClient) ConsumeReservation(ctx context.Context, request *ConsumeReservationRequest, options ...grpc.CallOption) (*ReservationResponse, error) {
	return invoke[ReservationResponse](ctx, client.conn, methodConsumeReservation, request, options)
}

func (client *LedgerClient) FinalizeCheckout(ctx context.Context, request *FinalizeCheckoutRequest, options ...grpc.CallOption) (*FinalizeCheckoutResponse, error) {
	return invoke[FinalizeCheckoutResponse](ctx, client.conn, methodFinalizeCheckout, request, options)
}

func (client *LedgerClient) RefundPayment(ctx context.Context, request *RefundPaymentRequest, options ...grpc.CallOption) (*RefundPaymentResponse, error) {
	return invoke[RefundPaymentResponse](ctx, client.conn, methodRefundPayment, request, options)
}

func invoke[Response any](ctx context.Context, conn grpc.ClientConnInterface, method string, request any, options []grpc.CallOption) (*Response, error) {
	response := new(Response)
	callOptions := append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, options...)
	if err := conn.Invoke(ctx, fullMethod(method), request, response, callOptions...); err != nil {
		return nil, err
	}
	return response, nil
}
