package facility

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/arturoeanton/barnstaff/internal/domain"
	"github.com/arturoeanton/barnstaff/internal/port"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// MessageInput is a chat message about to be sent.
type MessageInput struct {
	UserID  string `json:"user_id" validate:"required"`
	Content string `json:"content" validate:"required,max=2000"`
}

// LocationInput is a new stall or pasture.
type LocationInput struct {
	Name    string       `json:"name"     validate:"required,max=80"`
	Type    LocationType `json:"type"     validate:"oneof=Stall Pasture"`
	GridRow int          `json:"grid_row" validate:"min=0"`
	GridCol int          `json:"grid_col" validate:"min=0"`
}

// HorseInput is a new horse. The horse starts in its home stall.
type HorseInput struct {
	Name            string `json:"name"             validate:"required,max=80"`
	OwnerInfo       string `json:"owner_info"`
	HomeStall       string `json:"home_stall"`
	AssignedPasture string `json:"assigned_pasture"`
	AMGrain         string `json:"am_grain"`
	PMGrain         string `json:"pm_grain"`
	HayType         string `json:"hay_type"`
	Supplements     string `json:"supplements"`
	MedsNotes       string `json:"meds_notes"`
}

// TemplateInput is a recurring task template.
type TemplateInput struct {
	Title     string `json:"title"      validate:"required,max=200"`
	Shift     Shift  `json:"shift"      validate:"oneof=AM Mid-Day PM"`
	SortOrder int    `json:"sort_order" validate:"min=0"`
}

// ScheduleInput places a staff member on a weekday shift.
type ScheduleInput struct {
	UserID    string `json:"user_id"     validate:"required"`
	DayOfWeek int    `json:"day_of_week" validate:"min=0,max=6"`
	Shift     Shift  `json:"shift"       validate:"oneof=AM Mid-Day PM"`
}

// FeedDeliveryInput records a feed delivery.
type FeedDeliveryInput struct {
	FeedName       string `json:"feed_name"       validate:"required,max=120"`
	Quantity       string `json:"quantity"`
	DeliveryDate   string `json:"delivery_date"   validate:"omitempty,datetime=2006-01-02"`
	ExpirationDate string `json:"expiration_date" validate:"omitempty,datetime=2006-01-02"`
}

// Validate trims string fields in place and checks v's validate tags.
// Failures wrap port.ErrInvalidRecord.
func Validate(v any) error {
	trim(v)
	if err := validate.Struct(v); err != nil {
		return invalid(err)
	}
	return nil
}

func trim(v any) {
	switch in := v.(type) {
	case *MessageInput:
		in.Content = strings.TrimSpace(in.Content)
	case *LocationInput:
		in.Name = strings.TrimSpace(in.Name)
	case *HorseInput:
		in.Name = strings.TrimSpace(in.Name)
	case *TemplateInput:
		in.Title = strings.TrimSpace(in.Title)
	case *FeedDeliveryInput:
		in.FeedName = strings.TrimSpace(in.FeedName)
		in.Quantity = strings.TrimSpace(in.Quantity)
	}
}

func invalid(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %w", port.ErrInvalidRecord, err)
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fmt.Sprintf("%s (%s)", fe.Field(), fe.Tag()))
	}
	return fmt.Errorf("%w: %s", port.ErrInvalidRecord, strings.Join(fields, ", "))
}

// nullable maps "" to a SQL NULL.
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// Record converts the input to a row.
func (in MessageInput) Record() domain.Record {
	return domain.Record{"user_id": in.UserID, "content": in.Content}
}

// Record converts the input to a row.
func (in LocationInput) Record() domain.Record {
	return domain.Record{"name": in.Name, "type": string(in.Type), "grid_row": in.GridRow, "grid_col": in.GridCol}
}

// Record converts the input to a row.
func (in HorseInput) Record() domain.Record {
	return domain.Record{
		"name":             in.Name,
		"owner_info":       nullable(in.OwnerInfo),
		"home_stall":       nullable(in.HomeStall),
		"assigned_pasture": nullable(in.AssignedPasture),
		"current_location": nullable(in.HomeStall),
		"am_grain":         nullable(in.AMGrain),
		"pm_grain":         nullable(in.PMGrain),
		"hay_type":         nullable(in.HayType),
		"supplements":      nullable(in.Supplements),
		"meds_notes":       nullable(in.MedsNotes),
	}
}

// Record converts the input to a row.
func (in TemplateInput) Record() domain.Record {
	return domain.Record{"title": in.Title, "shift": string(in.Shift), "sort_order": in.SortOrder}
}

// Record converts the input to a row.
func (in ScheduleInput) Record() domain.Record {
	return domain.Record{"user_id": in.UserID, "day_of_week": in.DayOfWeek, "shift": string(in.Shift)}
}

// Record converts the input to a row.
func (in FeedDeliveryInput) Record() domain.Record {
	return domain.Record{
		"feed_name":       in.FeedName,
		"quantity":        nullable(in.Quantity),
		"delivery_date":   nullable(in.DeliveryDate),
		"expiration_date": nullable(in.ExpirationDate),
	}
}

// columnRules are per-column validator tags applied to raw records arriving
// at the backend, where no typed input exists. Every ruled column is text.
var columnRules = map[string]map[string]string{
	"users": {
		"display_name": "omitempty,max=80",
		"role":         "omitempty,oneof=Staff Admin",
	},
	"messages": {
		"content": "required,max=2000",
		"user_id": "required",
	},
	"tasks": {
		"status": "omitempty,oneof=Pending 'In Progress' Done",
		"shift":  "omitempty,oneof=AM Mid-Day PM",
	},
	"task_templates": {
		"title": "required,max=200",
		"shift": "required,oneof=AM Mid-Day PM",
	},
	"weekly_schedule": {
		"user_id": "required",
		"shift":   "required,oneof=AM Mid-Day PM",
	},
	"locations": {
		"name": "required,max=80",
		"type": "required,oneof=Stall Pasture",
	},
	"horses": {
		"name": "required,max=80",
	},
	"feed_inventory": {
		"feed_name":       "required,max=120",
		"expiration_date": "omitempty,datetime=2006-01-02",
		"delivery_date":   "omitempty,datetime=2006-01-02",
	},
}

// ValidateRecord checks a raw row for collection. With partial set only the
// columns present are checked, as for an update patch.
func ValidateRecord(collection string, rec domain.Record, partial bool) error {
	rules := columnRules[collection]
	for column, tag := range rules {
		v, present := rec[column]
		if partial && !present {
			continue
		}
		if v == nil {
			if strings.Contains(tag, "required") {
				return fmt.Errorf("%w: %s is required", port.ErrInvalidRecord, column)
			}
			continue
		}
		str, ok := v.(string)
		if !ok {
			return fmt.Errorf("%w: %s must be text", port.ErrInvalidRecord, column)
		}
		if err := validate.Var(str, tag); err != nil {
			return fmt.Errorf("%w: %s: %w", port.ErrInvalidRecord, column, err)
		}
	}
	return nil
}
