package domain

type TripStatus string

const (
	TripScheduled TripStatus = "SCHEDULED"
	TripReady     TripStatus = "READY"
	TripActive    TripStatus = "ACTIVE"
	TripDelayed   TripStatus = "DELAYED"
	TripPaused    TripStatus = "PAUSED"
	TripCompleted TripStatus = "COMPLETED"
	TripCancelled TripStatus = "CANCELLED"
)

// Terminal reports whether no further transition is allowed.
func (s TripStatus) Terminal() bool {
	return s == TripCompleted || s == TripCancelled
}

func (s TripStatus) Valid() bool {
	switch s {
	case TripScheduled, TripReady, TripActive, TripDelayed, TripPaused, TripCompleted, TripCancelled:
		return true
	}
	return false
}

type CrewRole string

const (
	RoleDriver    CrewRole = "DRIVER"
	RoleConductor CrewRole = "CONDUCTOR"
)

type Sacco struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Code      string `json:"code"`
	CreatedAt string `json:"createdAt" format:"date-time"`
}

type Branch struct {
	ID      string `json:"id"`
	SaccoID string `json:"saccoId"`
	Name    string `json:"name"`
}

type Vehicle struct {
	ID           string `json:"id"`
	SaccoID      string `json:"saccoId"`
	BranchID     string `json:"branchId"`
	Plate        string `json:"plate"`
	Capacity     int    `json:"capacity"`
	Status       string `json:"status" enum:"ACTIVE,MAINTENANCE,INACTIVE"`
	RegisteredAt string `json:"registeredAt" format:"date-time"`
}

type Route struct {
	ID        string   `json:"id"`
	SaccoID   string   `json:"saccoId"`
	Code      string   `json:"code"`
	Name      string   `json:"name"`
	BaseFare  int64    `json:"baseFare"`
	Segments  []string `json:"segments,omitempty"`
	CreatedAt string   `json:"createdAt" format:"date-time"`
}

type CrewMember struct {
	ID               string   `json:"id"`
	SaccoID          string   `json:"saccoId"`
	Name             string   `json:"name"`
	Role             CrewRole `json:"role" enum:"DRIVER,CONDUCTOR"`
	Phone            string   `json:"phone"`
	TrustScore       float64  `json:"trustScore" minimum:"0" maximum:"100"`
	IncentiveBalance int64    `json:"incentiveBalance" minimum:"0"`
	UpdatedAt        string   `json:"updatedAt" format:"date-time"`
}

type Trip struct {
	ID              string     `json:"id"`
	SaccoID         string     `json:"saccoId"`
	RouteID         string     `json:"routeId"`
	VehicleID       string     `json:"vehicleId"`
	DriverID        string     `json:"driverId"`
	ConductorID     string     `json:"conductorId"`
	Status          TripStatus `json:"status" enum:"SCHEDULED,READY,ACTIVE,DELAYED,PAUSED,COMPLETED,CANCELLED"`
	ScheduledTime   string     `json:"scheduledTime" format:"date-time"`
	ActualStartTime *string    `json:"actualStartTime,omitempty" format:"date-time"`
	ActualEndTime   *string    `json:"actualEndTime,omitempty" format:"date-time"`
	TotalRevenue    int64      `json:"totalRevenue"`
	TicketCount     int        `json:"ticketCount"`
	AnchorID        *string    `json:"anchorId,omitempty"`
	UpdatedAt       string     `json:"updatedAt" format:"date-time"`
}

type Ticket struct {
	ID             string `json:"id"`
	TripID         string `json:"tripId"`
	PassengerPhone string `json:"passengerPhone"`
	Amount         int64  `json:"amount"`
	Timestamp      string `json:"timestamp" format:"date-time"`
	Synced         bool   `json:"synced"`
}

type IncentiveTransaction struct {
	ID        string  `json:"id"`
	CrewID    string  `json:"crewId"`
	TripID    string  `json:"tripId,omitempty"`
	Amount    int64   `json:"amount"`
	TrustGain float64 `json:"trustGain"`
	Reason    string  `json:"reason"`
	CreatedAt string  `json:"createdAt" format:"date-time"`
}

type SmsStatus string

const (
	SmsPending SmsStatus = "PENDING"
	SmsSent    SmsStatus = "SENT"
	SmsFailed  SmsStatus = "FAILED"
)

type SmsLog struct {
	ID          string    `json:"id"`
	PhoneNumber string    `json:"phoneNumber"`
	Message     string    `json:"message"`
	Status      SmsStatus `json:"status" enum:"PENDING,SENT,FAILED"`
	Attempts    int       `json:"attempts"`
	DeliveryRef string    `json:"deliveryRef,omitempty"`
	Error       string    `json:"error,omitempty"`
	CreatedAt   string    `json:"createdAt" format:"date-time"`
	UpdatedAt   string    `json:"updatedAt" format:"date-time"`
}

type DailyAnchor struct {
	ID           string `json:"id"`
	SaccoID      string `json:"saccoId"`
	Date         string `json:"date"`
	DailyRevenue int64  `json:"dailyRevenue"`
	TicketCount  int    `json:"ticketCount"`
	TripCount    int    `json:"tripCount"`
	Hash         string `json:"hash"`
	TxID         string `json:"txId"`
	BlockNumber  int64  `json:"blockNumber"`
	Network      string `json:"network"`
	AnchoredAt   string `json:"anchoredAt" format:"date-time"`
}

type CredentialClaims struct {
	OperatorID string  `json:"operatorId"`
	TrustScore float64 `json:"trustScore"`
	IssuedAt   string  `json:"issuedAt" format:"date-time"`
	ValidUntil string  `json:"validUntil" format:"date-time"`
}

type VerifiableCredential struct {
	Issuer    string           `json:"issuer"`
	Subject   string           `json:"subject"`
	Claims    CredentialClaims `json:"claims"`
	Signature string           `json:"signature"`
	ProofType string           `json:"proofType"`
}

// Event is a journaled bus event.
type Event struct {
	ID      int64  `json:"id"`
	TS      string `json:"ts" format:"date-time"`
	Type    string `json:"type"`
	Origin  string `json:"origin"`
	Payload string `json:"payload"`
}
