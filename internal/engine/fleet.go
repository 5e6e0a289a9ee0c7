package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"lyncmos/internal/bus"
	"lyncmos/internal/domain"
	"lyncmos/internal/repo"
)

const defaultCapacity = 14

type VehicleRequest struct {
	SaccoID  string
	BranchID string
	Plate    string
	Capacity int
}

type BranchRequest struct {
	SaccoID string
	Name    string
}

// Settings is the sacco profile with the operating parameters that apply to it.
type Settings struct {
	Sacco                domain.Sacco `json:"sacco"`
	RevenueLockThreshold int64        `json:"revenueLockThreshold"`
	LockAggregation      string       `json:"lockAggregation"`
	TrustDecayRate       float64      `json:"trustDecayRate"`
	CompletionIncentive  int64        `json:"completionIncentive"`
	SmsSenderID          string       `json:"smsSenderId"`
}

// SmsReceipt is the outcome of a direct relay request.
type SmsReceipt struct {
	Success bool   `json:"success"`
	Ref     string `json:"ref"`
	LogID   string `json:"logId,omitempty"`
}

// FailedReceipt is shown when the relay could not be reached.
func FailedReceipt() SmsReceipt { return SmsReceipt{Ref: "FALLBACK"} }

// resolveSacco loads saccoID, or the first sacco when it is empty.
func (e Engine) resolveSacco(ctx context.Context, saccoID string) (domain.Sacco, error) {
	saccoID = strings.TrimSpace(saccoID)
	if saccoID != "" {
		s, err := e.Repo.GetSacco(ctx, saccoID)
		if errors.Is(err, repo.ErrNotFound) {
			return s, domainErr(CodeSaccoNotFound, "Sacco %s not found", saccoID)
		}
		return s, err
	}
	saccos, err := e.Repo.ListSaccos(ctx)
	if err != nil {
		return domain.Sacco{}, err
	}
	if len(saccos) == 0 {
		return domain.Sacco{}, domainErr(CodeSaccoNotFound, "No sacco is configured")
	}
	return saccos[0], nil
}

// CreateVehicle registers a vehicle with a unique plate. The plate is
// stored upper-cased.
func (e Engine) CreateVehicle(ctx context.Context, req VehicleRequest) (domain.Vehicle, error) {
	plate := strings.ToUpper(strings.TrimSpace(req.Plate))
	if plate == "" {
		return domain.Vehicle{}, validationErr(CodeInvalidInput, `Invalid payload: "plateNumber" is required.`)
	}
	if req.Capacity < 0 {
		return domain.Vehicle{}, validationErr(CodeInvalidInput, "capacity must not be negative, got %d", req.Capacity)
	}
	sacco, err := e.resolveSacco(ctx, req.SaccoID)
	if err != nil {
		return domain.Vehicle{}, err
	}
	v := domain.Vehicle{
		ID:           "VH-" + uuid.NewString()[:8],
		SaccoID:      sacco.ID,
		BranchID:     strings.TrimSpace(req.BranchID),
		Plate:        plate,
		Capacity:     req.Capacity,
		Status:       "ACTIVE",
		RegisteredAt: e.stamp(),
	}
	if v.Capacity == 0 {
		v.Capacity = defaultCapacity
	}
	err = e.Repo.WithTx(ctx, func(tx *sql.Tx) error {
		if v.BranchID != "" {
			b, err := e.Repo.GetBranchTx(ctx, tx, v.BranchID)
			if errors.Is(err, repo.ErrNotFound) || (err == nil && b.SaccoID != sacco.ID) {
				return domainErr(CodeBranchNotFound, "Branch %s not found in sacco %s", v.BranchID, sacco.ID)
			}
			if err != nil {
				return err
			}
		}
		taken, err := e.Repo.VehiclePlateTaken(ctx, tx, plate)
		if err != nil {
			return err
		}
		if taken {
			return domainErr(CodeDuplicatePlate, "Vehicle %s is already registered", plate)
		}
		return e.Repo.UpsertVehicle(ctx, tx, v)
	})
	if err != nil {
		return domain.Vehicle{}, err
	}
	e.publish(ctx, bus.VehicleRegistered, v)
	return v, nil
}

func (e Engine) CreateBranch(ctx context.Context, req BranchRequest) (domain.Branch, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return domain.Branch{}, validationErr(CodeInvalidInput, `Payload missing required field "name"`)
	}
	sacco, err := e.resolveSacco(ctx, req.SaccoID)
	if err != nil {
		return domain.Branch{}, err
	}
	b := domain.Branch{ID: "BR-" + uuid.NewString()[:8], SaccoID: sacco.ID, Name: name}
	if err := e.Repo.UpsertBranch(ctx, nil, b); err != nil {
		return domain.Branch{}, fmt.Errorf("create branch: %w", err)
	}
	e.publish(ctx, bus.BranchCreated, b)
	return b, nil
}

// ListBranches lists branches of saccoID, or of every sacco when empty.
func (e Engine) ListBranches(ctx context.Context, saccoID string) ([]domain.Branch, error) {
	return e.Repo.ListBranches(ctx, strings.TrimSpace(saccoID))
}

// Settings reads the sacco profile; saccoID defaults to the first sacco.
func (e Engine) Settings(ctx context.Context, saccoID string) (Settings, error) {
	sacco, err := e.resolveSacco(ctx, saccoID)
	if err != nil {
		return Settings{}, err
	}
	return Settings{
		Sacco:                sacco,
		RevenueLockThreshold: e.Config.Dispatch.RevenueLockThreshold,
		LockAggregation:      e.Config.Dispatch.LockAggregation,
		TrustDecayRate:       e.Config.Trust.DecayRate,
		CompletionIncentive:  e.Config.Trust.CompletionIncentive,
		SmsSenderID:          e.Config.SMS.SenderID,
	}, nil
}

// RelaySMS sends one operator message through the SMS relay and waits for
// the outcome.
func (e Engine) RelaySMS(ctx context.Context, phone, message string) (SmsReceipt, error) {
	phone, message = strings.TrimSpace(phone), strings.TrimSpace(message)
	if phone == "" || message == "" {
		return FailedReceipt(), validationErr(CodeInvalidInput, "phone and message are required")
	}
	if e.SMS == nil {
		return FailedReceipt(), errors.New("sms relay is not configured")
	}
	entry, err := e.SMS.Send(ctx, phone, message)
	if err != nil {
		return FailedReceipt(), fmt.Errorf("relay sms: %w", err)
	}
	return SmsReceipt{Success: true, Ref: entry.DeliveryRef, LogID: entry.ID}, nil
}
