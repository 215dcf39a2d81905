/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract, allowing:
  - Field renaming without breaking clients
  - API-specific validation
  - Version evolution

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

TYPES:
  Application:
    ApplicationDTO, CreateApplicationRequest, UpdateApplicationRequest,
    TransitionRequest, ExternalStatusRequest, HasChangesDTO

  Employee:
    EmployeeDTO, SaveEmployeeRequest

  Rate tables:
    RateEntryDTO, RateTripleDTO, PublishRateTableRequest,
    WindowDTO, ConflictDTO

  Reflection:
    ReflectionSummaryDTO

ACTOR PASSING:
  Every mutating request carries actor_id and actor_role explicitly.
  There is no ambient current user; the domain layer validates
  permissions from these fields.

VALIDATION:
  Validation is done in handlers, not in DTOs. DTOs are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
  - benefit/types.go: Domain model these map onto
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/benefits-engine/benefit"
	"github.com/warp/benefits-engine/ratetable"
	"github.com/warp/benefits-engine/reflection"
)

// =============================================================================
// APPLICATION TYPES
// =============================================================================

// ApplicationDTO represents an application in API responses.
type ApplicationDTO struct {
	ID             string           `json:"id"`
	OrganizationID string           `json:"organization_id"`
	EmployeeID     string           `json:"employee_id,omitempty"`
	Category       string           `json:"category"`
	Type           string           `json:"type"`
	TypeName       string           `json:"type_name,omitempty"`
	Status         string           `json:"status"`
	ExternalStatus string           `json:"external_status,omitempty"`
	Data           map[string]any   `json:"data"`
	Attachments    []AttachmentDTO  `json:"attachments"`
	Deadline       string           `json:"deadline,omitempty"`
	SubmissionDate string           `json:"submission_date,omitempty"`
	History        []HistoryDTO     `json:"history,omitempty"`
	Comments       []CommentDTO     `json:"comments,omitempty"`
	ReturnHistory  []ReturnEntryDTO `json:"return_history,omitempty"`
	Version        int64            `json:"version"`
	CreatedAt      string           `json:"created_at,omitempty"`
	UpdatedAt      string           `json:"updated_at,omitempty"`
}

type AttachmentDTO struct {
	FileName string `json:"file_name"`
	FileURL  string `json:"file_url"`
}

type HistoryDTO struct {
	UserID    string `json:"user_id"`
	Action    string `json:"action"`
	Comment   string `json:"comment,omitempty"`
	CreatedAt string `json:"created_at"`
}

type CommentDTO struct {
	UserID    string `json:"user_id"`
	Type      string `json:"type"`
	Body      string `json:"body"`
	CreatedAt string `json:"created_at"`
}

type ReturnEntryDTO struct {
	ReturnedAt     string          `json:"returned_at"`
	ReturnedBy     string          `json:"returned_by"`
	Reason         string          `json:"reason,omitempty"`
	Data           map[string]any  `json:"data_snapshot"`
	Attachments    []AttachmentDTO `json:"attachments_snapshot"`
	SubmissionDate string          `json:"submission_date,omitempty"`
}

// CreateApplicationRequest creates a new draft.
type CreateApplicationRequest struct {
	ActorID        string          `json:"actor_id"`
	ActorRole      string          `json:"actor_role"`
	OrganizationID string          `json:"organization_id"`
	EmployeeID     string          `json:"employee_id,omitempty"`
	Category       string          `json:"category"`
	Type           string          `json:"type"`
	TypeName       string          `json:"type_name,omitempty"`
	Data           map[string]any  `json:"data"`
	Attachments    []AttachmentDTO `json:"attachments,omitempty"`
	Deadline       string          `json:"deadline,omitempty"`
}

// UpdateApplicationRequest replaces editable content.
type UpdateApplicationRequest struct {
	ActorID     string          `json:"actor_id"`
	ActorRole   string          `json:"actor_role"`
	Data        map[string]any  `json:"data"`
	Attachments []AttachmentDTO `json:"attachments,omitempty"`
	Deadline    string          `json:"deadline,omitempty"`
}

// TransitionRequest invokes a lifecycle action.
type TransitionRequest struct {
	ActorID   string `json:"actor_id"`
	ActorRole string `json:"actor_role"`
	Action    string `json:"action"`
	Reason    string `json:"reason,omitempty"`
}

// ExternalStatusRequest records an office response for an external
// application.
type ExternalStatusRequest struct {
	ActorID        string `json:"actor_id"`
	ActorRole      string `json:"actor_role"`
	ExternalStatus string `json:"external_status"`
}

// ActorRequest carries just the acting user, for operations with no
// other body fields.
type ActorRequest struct {
	ActorID   string `json:"actor_id"`
	ActorRole string `json:"actor_role"`
}

// HasChangesDTO reports the resubmission-readiness of a returned
// application.
type HasChangesDTO struct {
	ApplicationID string `json:"application_id"`
	HasChanges    bool   `json:"has_changes"`
}

// =============================================================================
// EMPLOYEE TYPES
// =============================================================================

// EmployeeDTO represents an employee insurance profile.
type EmployeeDTO struct {
	ID                 string             `json:"id"`
	OrganizationID     string             `json:"organization_id"`
	Name               string             `json:"name"`
	Address            string             `json:"address,omitempty"`
	Dependents         []string           `json:"dependents,omitempty"`
	InsuranceNumber    string             `json:"insurance_number,omitempty"`
	PersonalNumber     string             `json:"personal_number,omitempty"`
	BasicPensionNumber string             `json:"basic_pension_number,omitempty"`
	AverageReward      string             `json:"average_reward,omitempty"`
	Grade              *int               `json:"grade,omitempty"`
	PensionGrade       *int               `json:"pension_grade,omitempty"`
	StandardReward     string             `json:"standard_reward,omitempty"`
	GradeEffectiveDate string             `json:"grade_effective_date,omitempty"`
	OtherCompanies     []string           `json:"other_companies,omitempty"`
	ChangeHistory      []ProfileChangeDTO `json:"change_history,omitempty"`
	Version            int64              `json:"version"`
}

type ProfileChangeDTO struct {
	ApplicationID   string           `json:"application_id"`
	ApplicationName string           `json:"application_name,omitempty"`
	ChangedAt       string           `json:"changed_at"`
	ChangedBy       string           `json:"changed_by"`
	Changes         []FieldChangeDTO `json:"changes"`
}

type FieldChangeDTO struct {
	Field  string `json:"field"`
	Before string `json:"before"`
	After  string `json:"after"`
}

// SaveEmployeeRequest inserts or updates a profile administratively.
type SaveEmployeeRequest struct {
	ID                 string   `json:"id,omitempty"`
	OrganizationID     string   `json:"organization_id"`
	Name               string   `json:"name"`
	Address            string   `json:"address,omitempty"`
	Dependents         []string `json:"dependents,omitempty"`
	InsuranceNumber    string   `json:"insurance_number,omitempty"`
	PersonalNumber     string   `json:"personal_number,omitempty"`
	BasicPensionNumber string   `json:"basic_pension_number,omitempty"`
	AverageReward      string   `json:"average_reward,omitempty"`
	OtherCompanies     []string `json:"other_companies,omitempty"`
}

// =============================================================================
// RATE TABLE TYPES
// =============================================================================

type RateTripleDTO struct {
	Rate  string `json:"rate"`
	Total string `json:"total"`
	Half  string `json:"half"`
}

// RateEntryDTO is one grade row of a rate-table version.
type RateEntryDTO struct {
	ID             string        `json:"id,omitempty"`
	Grade          int           `json:"grade"`
	PensionGrade   *int          `json:"pension_grade,omitempty"`
	StandardReward string        `json:"standard_reward"`
	MinAmount      string        `json:"min_amount"`
	MaxAmount      string        `json:"max_amount"` // "0" = open-ended
	Health         RateTripleDTO `json:"health"`
	HealthWithCare RateTripleDTO `json:"health_with_care"`
	Pension        RateTripleDTO `json:"pension"`
	EffectiveFrom  string        `json:"effective_from,omitempty"`
	EffectiveTo    string        `json:"effective_to,omitempty"`
}

// WindowDTO is an effective window in 'YYYY-MM' months; empty to
// means open-ended.
type WindowDTO struct {
	From string `json:"from"`
	To   string `json:"to,omitempty"`
}

// PublishRateTableRequest publishes a new version. Resolution is
// omitted on the first attempt; a 409 response carries the conflict
// and the valid decisions to retry with.
type PublishRateTableRequest struct {
	OrganizationID string         `json:"organization_id,omitempty"`
	Window         WindowDTO      `json:"window"`
	Entries        []RateEntryDTO `json:"entries"`
	Resolution     *ResolutionDTO `json:"resolution,omitempty"`
}

type ResolutionDTO struct {
	Choice string `json:"choice"`
	NewTo  string `json:"new_to,omitempty"` // for set_new_end
}

// ConflictDTO is the 409 payload when publishing needs a decision.
type ConflictDTO struct {
	Case     int       `json:"case"`
	Existing WindowDTO `json:"existing"`
	New      WindowDTO `json:"new"`
	Options  []string  `json:"options"`
}

// =============================================================================
// REFLECTION TYPES
// =============================================================================

type PersonResultDTO struct {
	EmployeeID string `json:"employee_id"`
	Outcome    string `json:"outcome"`
	Changes    int    `json:"changes"`
}

type SkipDTO struct {
	Identifier string `json:"identifier"`
	Reason     string `json:"reason"`
}

// ReflectionSummaryDTO reports what a reflection run did.
type ReflectionSummaryDTO struct {
	ApplicationID string            `json:"application_id"`
	Eligible      bool              `json:"eligible"`
	Persons       []PersonResultDTO `json:"persons"`
	Skipped       []SkipDTO         `json:"skipped"`
}

// ErrorResponse is the uniform error payload.
type ErrorResponse struct {
	Error    string       `json:"error"`
	Details  string       `json:"details,omitempty"`
	Conflict *ConflictDTO `json:"conflict,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toApplicationDTO(app *benefit.Application) ApplicationDTO {
	dto := ApplicationDTO{
		ID:             string(app.ID),
		OrganizationID: string(app.OrganizationID),
		EmployeeID:     string(app.EmployeeID),
		Category:       string(app.Category),
		Type:           string(app.Type),
		TypeName:       app.TypeName,
		Status:         string(app.Status),
		ExternalStatus: string(app.ExternalStatus),
		Data:           app.Data,
		Attachments:    toAttachmentDTOs(app.Attachments),
		Deadline:       formatTime(app.Deadline),
		SubmissionDate: formatTime(app.SubmissionDate),
		Version:        app.Version,
		CreatedAt:      app.CreatedAt.Format(time.RFC3339),
		UpdatedAt:      app.UpdatedAt.Format(time.RFC3339),
	}
	for _, h := range app.History {
		dto.History = append(dto.History, HistoryDTO{
			UserID:    h.UserID,
			Action:    string(h.Action),
			Comment:   h.Comment,
			CreatedAt: h.CreatedAt.Format(time.RFC3339),
		})
	}
	for _, c := range app.Comments {
		dto.Comments = append(dto.Comments, CommentDTO{
			UserID:    c.UserID,
			Type:      string(c.Type),
			Body:      c.Body,
			CreatedAt: c.CreatedAt.Format(time.RFC3339),
		})
	}
	for _, r := range app.ReturnHistory {
		dto.ReturnHistory = append(dto.ReturnHistory, ReturnEntryDTO{
			ReturnedAt:     r.ReturnedAt.Format(time.RFC3339),
			ReturnedBy:     r.ReturnedBy,
			Reason:         r.Reason,
			Data:           r.DataSnapshot,
			Attachments:    toAttachmentDTOs(r.AttachmentsSnapshot),
			SubmissionDate: formatTime(r.SubmissionDate),
		})
	}
	return dto
}

func toAttachmentDTOs(attachments []benefit.Attachment) []AttachmentDTO {
	dtos := make([]AttachmentDTO, len(attachments))
	for i, a := range attachments {
		dtos[i] = AttachmentDTO{FileName: a.FileName, FileURL: a.FileURL}
	}
	return dtos
}

func fromAttachmentDTOs(dtos []AttachmentDTO) []benefit.Attachment {
	attachments := make([]benefit.Attachment, len(dtos))
	for i, d := range dtos {
		attachments[i] = benefit.Attachment{FileName: d.FileName, FileURL: d.FileURL}
	}
	return attachments
}

func toEmployeeDTO(p *benefit.EmployeeProfile) EmployeeDTO {
	dto := EmployeeDTO{
		ID:                 string(p.ID),
		OrganizationID:     string(p.OrganizationID),
		Name:               p.Name,
		Address:            p.Address,
		Dependents:         p.Dependents,
		InsuranceNumber:    p.Identification.InsuranceNumber,
		PersonalNumber:     p.Identification.PersonalNumber,
		BasicPensionNumber: p.Identification.BasicPensionNumber,
		AverageReward:      decimalString(p.AverageReward),
		Grade:              p.Grade,
		PensionGrade:       p.PensionGrade,
		StandardReward:     decimalString(p.StandardReward),
		GradeEffectiveDate: formatTime(p.GradeEffectiveDate),
		OtherCompanies:     p.OtherCompanies,
		Version:            p.Version,
	}
	for _, c := range p.ChangeHistory {
		changeDTO := ProfileChangeDTO{
			ApplicationID:   string(c.ApplicationID),
			ApplicationName: c.ApplicationName,
			ChangedAt:       c.ChangedAt.Format(time.RFC3339),
			ChangedBy:       c.ChangedBy,
		}
		for _, f := range c.Changes {
			changeDTO.Changes = append(changeDTO.Changes, FieldChangeDTO{
				Field: f.Field, Before: f.Before, After: f.After,
			})
		}
		dto.ChangeHistory = append(dto.ChangeHistory, changeDTO)
	}
	return dto
}

func toRateEntryDTO(e ratetable.Entry) RateEntryDTO {
	return RateEntryDTO{
		ID:             e.ID,
		Grade:          e.Grade,
		PensionGrade:   e.PensionGrade,
		StandardReward: e.StandardReward.String(),
		MinAmount:      e.MinAmount.String(),
		MaxAmount:      e.MaxAmount.String(),
		Health:         toRateTripleDTO(e.Health),
		HealthWithCare: toRateTripleDTO(e.HealthWithCare),
		Pension:        toRateTripleDTO(e.Pension),
		EffectiveFrom:  e.EffectiveFrom.String(),
		EffectiveTo:    e.EffectiveTo.String(),
	}
}

func toRateTripleDTO(t ratetable.RateTriple) RateTripleDTO {
	return RateTripleDTO{
		Rate:  t.Rate.String(),
		Total: t.Total.String(),
		Half:  t.Half.String(),
	}
}

func toConflictDTO(c *ratetable.ConflictDecisionRequired) *ConflictDTO {
	dto := &ConflictDTO{
		Case:     int(c.Case),
		Existing: toWindowDTO(c.Existing),
		New:      toWindowDTO(c.New),
	}
	for _, o := range c.Options {
		dto.Options = append(dto.Options, string(o))
	}
	return dto
}

func toWindowDTO(w ratetable.Window) WindowDTO {
	return WindowDTO{From: w.From.String(), To: w.To.String()}
}

func toSummaryDTO(s *reflection.Summary) ReflectionSummaryDTO {
	dto := ReflectionSummaryDTO{
		ApplicationID: string(s.ApplicationID),
		Eligible:      s.Eligible,
	}
	for _, p := range s.Persons {
		dto.Persons = append(dto.Persons, PersonResultDTO{
			EmployeeID: string(p.EmployeeID),
			Outcome:    string(p.Outcome),
			Changes:    p.Changes,
		})
	}
	for _, sk := range s.Skipped {
		dto.Skipped = append(dto.Skipped, SkipDTO{Identifier: sk.Identifier, Reason: sk.Reason})
	}
	return dto
}

func decimalString(d *decimal.Decimal) string {
	if d == nil {
		return ""
	}
	return d.String()
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(time.RFC3339)
}
