package responders

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"kiosk/internal/agent"
	"kiosk/internal/config"
)

// Payment simulates a card terminal.
type Payment struct {
	declineAbove int64 // cents, 0 disables
	delay        time.Duration
	charges      atomic.Int64
}

// NewPayment builds a simulator that declines charges above declineAt
// (currency units) and takes delay to answer.
func NewPayment(declineAt float64, delay time.Duration) *Payment {
	return &Payment{declineAbove: int64(declineAt*100 + 0.5), delay: delay}
}

// Charges returns how many charge requests were received.
func (p *Payment) Charges() int64 { return p.charges.Load() }

// Charge approves or declines one charge.
func (p *Payment) Charge(ctx context.Context, req agent.ChargeRequest) (agent.PaymentResult, error) {
	p.charges.Add(1)
	if p.delay > 0 {
		t := time.NewTimer(p.delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return agent.PaymentResult{}, ctx.Err()
		case <-t.C:
		}
	}
	if req.AmountCents <= 0 {
		return agent.PaymentResult{}, agent.NewAgentError(agent.CodeInvalidRequest, config.ServicePayment, "amount must be positive")
	}
	if p.declineAbove > 0 && req.AmountCents > p.declineAbove {
		return agent.PaymentResult{}, agent.NewAgentError(agent.CodePaymentDeclined, config.ServicePayment,
			fmt.Sprintf("amount %d exceeds limit %d", req.AmountCents, p.declineAbove))
	}
	return agent.PaymentResult{
		TransactionID: "txn_" + uuid.NewString()[:8],
		Status:        "approved",
		AmountCents:   req.AmountCents,
	}, nil
}

// Hardware acknowledges commands for known peripherals.
type Hardware struct {
	devices map[string]bool
}

// NewHardware builds a controller for devices. No devices means the default set.
func NewHardware(devices ...string) *Hardware {
	if len(devices) == 0 {
		devices = []string{"printer", "dispenser", "light"}
	}
	h := &Hardware{devices: make(map[string]bool, len(devices))}
	for _, d := range devices {
		h.devices[d] = true
	}
	return h
}

// Command acknowledges cmd or reports HARDWARE_ERROR.
func (h *Hardware) Command(_ context.Context, cmd agent.HardwareCommand) (agent.HardwareAck, error) {
	if !h.devices[cmd.Device] {
		return agent.HardwareAck{}, agent.NewAgentError(agent.CodeHardwareError, config.ServiceHardware,
			fmt.Sprintf("unknown device %q", cmd.Device))
	}
	if cmd.Action == "" {
		return agent.HardwareAck{}, agent.NewAgentError(agent.CodeInvalidRequest, config.ServiceHardware, "missing action")
	}
	return agent.HardwareAck{Device: cmd.Device, Status: "ok"}, nil
}
