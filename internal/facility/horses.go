package facility

import (
	"fmt"

	"github.com/arturoeanton/barnstaff/internal/domain"
)

// LocationType distinguishes stalls from pastures.
type LocationType string

// Location types.
const (
	LocationStall   LocationType = "Stall"
	LocationPasture LocationType = "Pasture"
)

// PastureWarning reports a move to a pasture other than the horse's
// assigned one. The move can still be forced.
type PastureWarning struct {
	Horse        string
	Target       string
	AssignedName string
}

func (w *PastureWarning) Error() string {
	return fmt.Sprintf("%s is assigned to %s, not %s", w.Horse, w.AssignedName, w.Target)
}

// CheckMove returns a *PastureWarning when target is a pasture and the horse
// has a different assigned pasture. locations resolves the assigned
// pasture's name.
func CheckMove(horse, target domain.Record, locations []domain.Record) error {
	if LocationType(target.String("type")) != LocationPasture {
		return nil
	}
	assigned := horse.String("assigned_pasture")
	if assigned == "" || assigned == target.ID() {
		return nil
	}
	name := "Unknown"
	for _, l := range locations {
		if l.ID() == assigned {
			name = l.String("name")
			break
		}
	}
	return &PastureWarning{
		Horse:        horse.String("name"),
		Target:       target.String("name"),
		AssignedName: name,
	}
}

// HorsesAt returns the horses whose column (current_location, home_stall or
// assigned_pasture) points at locationID.
func HorsesAt(horses []domain.Record, column, locationID string) []domain.Record {
	var out []domain.Record
	for _, h := range horses {
		if h.String(column) == locationID {
			out = append(out, h)
		}
	}
	return out
}

// ByType filters locations by type.
func ByType(locations []domain.Record, t LocationType) []domain.Record {
	var out []domain.Record
	for _, l := range locations {
		if LocationType(l.String("type")) == t {
			out = append(out, l)
		}
	}
	return out
}
