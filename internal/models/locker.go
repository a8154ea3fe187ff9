package models

// LockerStatus is the tri-state status of a casier. The values double as the
// canonical wire representation spoken by the Directory.
type LockerStatus string

const (
	StatusFree     LockerStatus = "libre"
	StatusReserved LockerStatus = "reserve"
	StatusOccupied LockerStatus = "occupe"
)

// ParseStatus maps a wire status to the tri-state model. The legacy boolean
// protocol variant ("available"/"occupied") is folded into the same model so
// older Directory deployments keep working.
func ParseStatus(raw string) (LockerStatus, bool) {
	switch raw {
	case string(StatusFree), "available":
		return StatusFree, true
	case string(StatusReserved):
		return StatusReserved, true
	case string(StatusOccupied), "occupied":
		return StatusOccupied, true
	}
	return StatusFree, false
}

// Available collapses the tri-state status to the two-state projection shown
// on the terminal: only a free casier is available.
func (s LockerStatus) Available() bool {
	return s == StatusFree
}

// LockerRecord is the coordinator's view of one casier.
type LockerRecord struct {
	// Index is the stable 0-based local identity.
	Index int `json:"index"`
	// Status is the authoritative tri-state status.
	Status LockerStatus `json:"statut"`
	// UserID is the remote user bound to the casier. Present only while
	// Reserved; cleared on Free and on Occupied.
	UserID string `json:"utilisateurId,omitempty"`
	// RemoteID addresses this casier in the Directory. Empty until learned
	// from a fetch; while empty the coordinator cannot push remote updates
	// for this casier.
	RemoteID string `json:"remoteId,omitempty"`
	// FallbackCode unlocks the casier when the Directory cannot resolve a
	// remote code.
	FallbackCode string `json:"-"`
}
