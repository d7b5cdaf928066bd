package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/diyama/exchange-desk/internal/identity"
	"github.com/diyama/exchange-desk/internal/money"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

const (
	opCreate         = "create_exchange_request"
	opUpdateStatus   = "update_request_status_admin"
	opCompleteByUser = "mark_request_completed_by_user"
	opListForAdmin   = "list_requests_for_admin"
	opAddAdmin       = "add_admin"
	opGetRequest     = "get_request"
	opListRequests   = "list_requests"
)

type Config struct {
	// EventTopic is the queue topic for lifecycle events. Defaults to DefaultEventTopic.
	EventTopic string

	// Now supplies the transaction timestamp when a Call carries none.
	Now func() time.Time
}

// Service applies the request lifecycle operations. Each operation runs in one
// store transaction and either commits fully or returns an *Error.
type Service struct {
	cfg Config

	store  Store
	events Publisher
	log    *slog.Logger
}

// New builds a Service. events may be nil to disable event publication.
func New(cfg Config, store Store, events Publisher, log *slog.Logger) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if strings.TrimSpace(cfg.EventTopic) == "" {
		cfg.EventTopic = DefaultEventTopic
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Service{
		cfg:    cfg,
		store:  store,
		events: events,
		log:    log,
	}, nil
}

type CreateInput struct {
	WalletAddress string
	PhoneNumber   string
	FullName      string
	SourceAmount  decimal.Decimal
	Notes         string
}

// CreateExchangeRequest inserts a Pending request owned by the caller and
// returns its assigned id. Besides a positive amount within MaxSourceAmount it
// requires a 0x hex wallet address, a full name and a phone number; any
// missing or malformed field is a KindValidation error.
func (s *Service) CreateExchangeRequest(ctx context.Context, call Call, in CreateInput) (uint64, error) {
	call, err := s.prepare(opCreate, call)
	if err != nil {
		return 0, err
	}

	if !in.SourceAmount.IsPositive() {
		return 0, s.fail(opCreate, call, 0, KindValidation, "USDC amount must be greater than 0")
	}
	if err := money.CheckBounds(in.SourceAmount); err != nil {
		return 0, s.fail(opCreate, call, 0, KindValidation, "USDC amount is not representable: "+err.Error())
	}
	if in.SourceAmount.GreaterThan(money.MaxSourceAmount) {
		return 0, s.fail(opCreate, call, 0, KindValidation, "USDC amount exceeds the maximum of "+money.MaxSourceAmount.String())
	}
	wallet := strings.TrimSpace(in.WalletAddress)
	if !isPrefixedHexAddress(wallet) {
		return 0, s.fail(opCreate, call, 0, KindValidation, "wallet address must be a 0x-prefixed 20-byte hex address")
	}
	fullName := strings.TrimSpace(in.FullName)
	if fullName == "" {
		return 0, s.fail(opCreate, call, 0, KindValidation, "full name is required")
	}
	phone := strings.TrimSpace(in.PhoneNumber)
	if phone == "" {
		return 0, s.fail(opCreate, call, 0, KindValidation, "phone number is required")
	}

	row := Request{
		Owner:         call.Caller,
		WalletAddress: common.HexToAddress(wallet).Hex(),
		PhoneNumber:   phone,
		FullName:      fullName,
		SourceAmount:  money.Round2(in.SourceAmount),
		DestAmount:    money.Convert(in.SourceAmount),
		Status:        StatusPending,
		CreatedAt:     call.At,
		Notes:         in.Notes,
	}

	var inserted Request
	err = s.runTx(ctx, opCreate, call, 0, "failed to create exchange request", func(ctx context.Context, tx Tx) error {
		var err error
		inserted, err = tx.InsertRequest(ctx, row)
		return err
	})
	if err != nil {
		return 0, err
	}

	s.log.Info("created exchange request",
		"requestID", inserted.ID,
		"owner", inserted.Owner,
		"sourceAmount", money.Format(inserted.SourceAmount),
		"destAmount", money.Format(inserted.DestAmount),
	)
	s.publish(ctx, newRequestEvent(EventRequestCreatedV1, inserted, call.Caller, StatusUnknown, call.At))
	return inserted.ID, nil
}

// UpdateRequestStatusAdmin moves a request to any status. Admins are not bound
// by the transition rules that apply to owners.
func (s *Service) UpdateRequestStatusAdmin(ctx context.Context, call Call, requestID uint64, newStatus Status, notes string) error {
	call, err := s.prepare(opUpdateStatus, call)
	if err != nil {
		return err
	}

	var (
		prev    Status
		updated Request
	)
	err = s.runTx(ctx, opUpdateStatus, call, requestID, "failed to update exchange request", func(ctx context.Context, tx Tx) error {
		if err := s.requireAdmin(ctx, tx, opUpdateStatus, call, requestID, "only admins may update request status"); err != nil {
			return err
		}
		if !newStatus.Valid() {
			return s.fail(opUpdateStatus, call, requestID, KindValidation, fmt.Sprintf("unknown status %s", newStatus))
		}
		req, err := s.findRequest(ctx, tx, opUpdateStatus, call, requestID)
		if err != nil {
			return err
		}

		prev = req.Status
		req.Status = newStatus
		req.Notes = AppendNote(req.Notes, notes)
		if err := tx.UpdateRequest(ctx, req); err != nil {
			return err
		}
		updated = req
		return nil
	})
	if err != nil {
		return err
	}

	s.log.Info("admin updated exchange request",
		"admin", call.Caller,
		"requestID", updated.ID,
		"owner", updated.Owner,
		"from", prev,
		"to", updated.Status,
	)
	s.publish(ctx, newRequestEvent(EventRequestStatusV1, updated, call.Caller, prev, call.At))
	return nil
}

// MarkRequestCompletedByUser lets the owner complete a request that is still
// Pending or InProgress.
func (s *Service) MarkRequestCompletedByUser(ctx context.Context, call Call, requestID uint64, notes string) error {
	call, err := s.prepare(opCompleteByUser, call)
	if err != nil {
		return err
	}

	var (
		prev    Status
		updated Request
	)
	err = s.runTx(ctx, opCompleteByUser, call, requestID, "failed to update exchange request", func(ctx context.Context, tx Tx) error {
		req, err := s.findRequest(ctx, tx, opCompleteByUser, call, requestID)
		if err != nil {
			return err
		}
		if req.Owner != call.Caller {
			return s.fail(opCompleteByUser, call, requestID, KindAuthorization, "you can only modify your own requests")
		}
		if req.Status.Terminal() {
			return s.fail(opCompleteByUser, call, requestID, KindInvalidState, fmt.Sprintf("request is already finalized (%s)", req.Status))
		}

		prev = req.Status
		req.Status = StatusCompleted
		req.Notes = AppendNote(req.Notes, notes)
		if err := tx.UpdateRequest(ctx, req); err != nil {
			return err
		}
		updated = req
		return nil
	})
	if err != nil {
		return err
	}

	s.log.Info("user marked exchange request completed",
		"user", call.Caller,
		"requestID", updated.ID,
		"previousStatus", prev,
	)
	s.publish(ctx, newRequestEvent(EventRequestStatusV1, updated, call.Caller, prev, call.At))
	return nil
}

// ListRequestsForAdmin is an audited access trigger. Rows reach the admin
// through the public read channel, not through this call.
func (s *Service) ListRequestsForAdmin(ctx context.Context, call Call) error {
	call, err := s.prepare(opListForAdmin, call)
	if err != nil {
		return err
	}

	var total int64
	err = s.runTx(ctx, opListForAdmin, call, 0, "failed to count exchange requests", func(ctx context.Context, tx Tx) error {
		if err := s.requireAdmin(ctx, tx, opListForAdmin, call, 0, "only admins may access the admin dashboard"); err != nil {
			return err
		}
		n, err := tx.CountRequests(ctx)
		if err != nil {
			return err
		}
		total = n
		return nil
	})
	if err != nil {
		return err
	}

	s.log.Info("admin requested all exchange requests", "admin", call.Caller, "total", total)
	return nil
}

// AddAdmin grants admin rights. Any caller may add the first admin; after that
// only admins may add others. Adding an existing admin is a no-op.
func (s *Service) AddAdmin(ctx context.Context, call Call, who identity.Identity) error {
	call, err := s.prepare(opAddAdmin, call)
	if err != nil {
		return err
	}
	if who.IsZero() {
		return s.fail(opAddAdmin, call, 0, KindValidation, "admin identity is required")
	}

	added := false
	err = s.runTx(ctx, opAddAdmin, call, 0, "failed to add admin", func(ctx context.Context, tx Tx) error {
		n, err := tx.CountAdmins(ctx)
		if err != nil {
			return err
		}
		if n > 0 {
			if err := s.requireAdmin(ctx, tx, opAddAdmin, call, 0, "only admins may add other admins"); err != nil {
				return err
			}
		}

		_, err = tx.FindAdmin(ctx, who)
		switch {
		case err == nil:
			return nil
		case !errors.Is(err, ErrNotFound):
			return err
		}

		if err := tx.InsertAdmin(ctx, Admin{Identity: who, AddedAt: call.At}); err != nil {
			return err
		}
		added = true
		return nil
	})
	if err != nil {
		return err
	}
	if !added {
		return nil
	}

	s.log.Info("admin added", "admin", who, "addedBy", call.Caller)
	s.publish(ctx, AdminEvent{
		Version: EventAdminAddedV1,
		Admin:   who,
		AddedBy: call.Caller,
		At:      call.At.UTC(),
	})
	return nil
}

// GetRequest reads one request from the publicly readable table.
func (s *Service) GetRequest(ctx context.Context, requestID uint64) (Request, error) {
	r, err := s.store.GetRequest(ctx, requestID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Request{}, &Error{Kind: KindNotFound, Op: opGetRequest, RequestID: requestID, Msg: fmt.Sprintf("exchange request %d not found", requestID)}
		}
		return Request{}, &Error{Kind: KindStorage, Op: opGetRequest, RequestID: requestID, Msg: "failed to read exchange request", Err: err}
	}
	return r, nil
}

// ListRequests reads requests from the publicly readable table.
func (s *Service) ListRequests(ctx context.Context, f ListFilter) ([]Request, error) {
	out, err := s.store.ListRequests(ctx, f.Normalized())
	if err != nil {
		return nil, &Error{Kind: KindStorage, Op: opListRequests, Msg: "failed to list exchange requests", Err: err}
	}
	return out, nil
}

func (s *Service) prepare(op string, call Call) (Call, error) {
	if call.Caller.IsZero() {
		return call, &Error{Kind: KindAuthorization, Op: op, Msg: "caller identity is required"}
	}
	if call.At.IsZero() {
		call.At = s.cfg.Now()
	}
	call.At = call.At.UTC()
	return call, nil
}

func (s *Service) requireAdmin(ctx context.Context, tx Tx, op string, call Call, requestID uint64, msg string) error {
	_, err := tx.FindAdmin(ctx, call.Caller)
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) {
		return s.fail(op, call, requestID, KindAuthorization, msg)
	}
	return err
}

func (s *Service) findRequest(ctx context.Context, tx Tx, op string, call Call, requestID uint64) (Request, error) {
	req, err := tx.FindRequest(ctx, requestID)
	if err == nil {
		return req, nil
	}
	if errors.Is(err, ErrNotFound) {
		return Request{}, s.fail(op, call, requestID, KindNotFound, fmt.Sprintf("exchange request %d not found", requestID))
	}
	return Request{}, err
}

func (s *Service) fail(op string, call Call, requestID uint64, kind Kind, msg string) *Error {
	return &Error{
		Kind:      kind,
		Op:        op,
		RequestID: requestID,
		Caller:    call.Caller,
		Msg:       msg,
	}
}

// runTx runs fn in a store transaction. Errors that are not already *Error are
// reported as KindStorage with the store's message preserved.
func (s *Service) runTx(ctx context.Context, op string, call Call, requestID uint64, storageMsg string, fn func(ctx context.Context, tx Tx) error) error {
	err := s.store.WithTx(ctx, fn)
	if err == nil {
		return nil
	}
	var opErr *Error
	if errors.As(err, &opErr) {
		return err
	}
	storageErr := &Error{
		Kind:      KindStorage,
		Op:        op,
		RequestID: requestID,
		Caller:    call.Caller,
		Msg:       storageMsg,
		Err:       err,
	}
	s.log.Error(storageMsg, "op", op, "requestID", requestID, "caller", call.Caller, "err", err)
	return storageErr
}

func (s *Service) publish(ctx context.Context, event any) {
	if s.events == nil {
		return
	}
	payload, err := json.Marshal(event)
	if err != nil {
		s.log.Error("marshal exchange event", "err", err)
		return
	}
	if err := s.events.Publish(ctx, s.cfg.EventTopic, payload); err != nil {
		s.log.Error("publish exchange event", "topic", s.cfg.EventTopic, "err", err)
	}
}

func isPrefixedHexAddress(s string) bool {
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		return false
	}
	return common.IsHexAddress(s)
}
