package device

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	pb "github.com/LeonardoBeccarini/treat_dispenser/grpc/dispenser"
	"github.com/LeonardoBeccarini/treat_dispenser/internal/dispenser"
	"github.com/LeonardoBeccarini/treat_dispenser/internal/model/messages"
)

// GrpcHandler implementa DispenserService sopra il DeviceService locale.
type GrpcHandler struct {
	pb.UnimplementedDispenserServiceServer
	svc *DeviceService
}

func NewGrpcHandler(svc *DeviceService) *GrpcHandler {
	return &GrpcHandler{svc: svc}
}

// ============== RPC: GetStatus ==============

func (h *GrpcHandler) GetStatus(_ context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	if err := h.checkID(req); err != nil {
		return nil, err
	}
	snap, used, limit := h.svc.Status()
	return pb.ToStruct(pb.StatusReply{
		DispenserID:  h.svc.id,
		Mode:         h.svc.mode,
		State:        snap.State.String(),
		Found:        snap.Found,
		Motor:        snap.Motor,
		Dispenses:    snap.Dispenses,
		DailyUsed:    used,
		DailyLimit:   limit,
		DistanceCM:   messages.EncodeDistance(snap.LastSample),
		Since:        snap.Since,
		LoopRunning:  h.svc.ctrl.Running(),
		BoardOK:      h.svc.ctrl.BoardOK(),
		MotorTimeout: h.svc.motorTimeout.String(),
	})
}

// ============== RPC: Dispense ==============

func (h *GrpcHandler) Dispense(ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	if err := h.checkID(req); err != nil {
		return nil, err
	}
	ticket, err := h.svc.Dispense(ctx)
	switch {
	case err == nil:
		return pb.ToStruct(pb.CommandResponse{
			Success:  true,
			Message:  fmt.Sprintf("dispensing on %s (motor %s)", h.svc.id, h.svc.motorTimeout),
			TicketID: ticket,
		})
	case errors.Is(err, dispenser.ErrBusy), errors.Is(err, ErrBudgetExhausted):
		// rifiuto "normale": risposta con Success=false, non errore gRPC
		return pb.ToStruct(pb.CommandResponse{Success: false, Message: err.Error()})
	case errors.Is(err, dispenser.ErrNotRunning):
		return nil, status.Error(codes.Unavailable, err.Error())
	default:
		return nil, status.FromContextError(err).Err()
	}
}

// ============== RPC: Reset ==============

func (h *GrpcHandler) Reset(ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	if err := h.checkID(req); err != nil {
		return nil, err
	}
	if err := h.svc.Reset(ctx); err != nil {
		if errors.Is(err, dispenser.ErrNotRunning) {
			return nil, status.Error(codes.Unavailable, err.Error())
		}
		return nil, status.FromContextError(err).Err()
	}
	return pb.ToStruct(pb.CommandResponse{Success: true, Message: fmt.Sprintf("dispenser %s reset", h.svc.id)})
}

// un id vuoto indica "il dispenser di questo processo"
func (h *GrpcHandler) checkID(req *wrapperspb.StringValue) error {
	id := strings.TrimSpace(req.GetValue())
	if id != "" && id != h.svc.id {
		return status.Errorf(codes.NotFound, "unknown dispenser %q (this is %q)", id, h.svc.id)
	}
	return nil
}
