package crm

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidPayload indicates that a payload failed schema validation.
	ErrInvalidPayload = errors.New("crm: invalid payload")
	// ErrTotalsMismatch indicates that stored document totals disagree with
	// the totals recomputed from the line items.
	ErrTotalsMismatch = errors.New("crm: document totals do not match line items")
)

// CustomerStatus enumerates customer lifecycle states.
type CustomerStatus string

const (
	CustomerStatusActive   CustomerStatus = "active"
	CustomerStatusArchived CustomerStatus = "archived"
)

// Customer is the payload schema for the customers collection.
type Customer struct {
	Name    string         `json:"name"`
	Email   string         `json:"email,omitempty"`
	Phone   string         `json:"phone,omitempty"`
	Address string         `json:"address,omitempty"`
	Status  CustomerStatus `json:"status"`
	Notes   string         `json:"notes,omitempty"`
}

// LeadStatus enumerates the lead pipeline states.
type LeadStatus string

const (
	LeadStatusNew       LeadStatus = "new"
	LeadStatusContacted LeadStatus = "contacted"
	LeadStatusQualified LeadStatus = "qualified"
	LeadStatusConverted LeadStatus = "converted"
	LeadStatusLost      LeadStatus = "lost"
)

// Lead is the payload schema for the leads collection.
type Lead struct {
	Name           string          `json:"name"`
	Email          string          `json:"email,omitempty"`
	Phone          string          `json:"phone,omitempty"`
	Source         string          `json:"source,omitempty"`
	Status         LeadStatus      `json:"status"`
	EstimatedValue decimal.Decimal `json:"estimated_value"`
	Notes          string          `json:"notes,omitempty"`
}

// JobStatus enumerates job scheduling states.
type JobStatus string

const (
	JobStatusScheduled  JobStatus = "scheduled"
	JobStatusInProgress JobStatus = "in_progress"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusCancelled  JobStatus = "cancelled"
)

// Job is the payload schema for the jobs collection.
type Job struct {
	Title        string     `json:"title"`
	CustomerID   string     `json:"customer_id,omitempty"`
	Status       JobStatus  `json:"status"`
	ScheduledFor *time.Time `json:"scheduled_for,omitempty"`
	Address      string     `json:"address,omitempty"`
	Description  string     `json:"description,omitempty"`
}

// EstimateStatus enumerates estimate lifecycle states.
type EstimateStatus string

const (
	EstimateStatusDraft    EstimateStatus = "draft"
	EstimateStatusSent     EstimateStatus = "sent"
	EstimateStatusApproved EstimateStatus = "approved"
	EstimateStatusRejected EstimateStatus = "rejected"
)

// Estimate is the payload schema for the estimates collection.
type Estimate struct {
	CustomerID string          `json:"customer_id"`
	Status     EstimateStatus  `json:"status"`
	LineItems  []LineItem      `json:"line_items"`
	TaxRate    decimal.Decimal `json:"tax_rate"`
	Subtotal   decimal.Decimal `json:"subtotal"`
	Total      decimal.Decimal `json:"total"`
	Notes      string          `json:"notes,omitempty"`
}

// InvoiceStatus enumerates invoice lifecycle states.
type InvoiceStatus string

const (
	InvoiceStatusDraft   InvoiceStatus = "draft"
	InvoiceStatusSent    InvoiceStatus = "sent"
	InvoiceStatusPaid    InvoiceStatus = "paid"
	InvoiceStatusOverdue InvoiceStatus = "overdue"
	InvoiceStatusVoid    InvoiceStatus = "void"
)

// Invoice is the payload schema for the invoices collection.
type Invoice struct {
	CustomerID  string          `json:"customer_id"`
	JobID       string          `json:"job_id,omitempty"`
	Status      InvoiceStatus   `json:"status"`
	LineItems   []LineItem      `json:"line_items"`
	TaxRate     decimal.Decimal `json:"tax_rate"`
	Subtotal    decimal.Decimal `json:"subtotal"`
	TotalAmount decimal.Decimal `json:"total_amount"`
	DueDate     *time.Time      `json:"due_date,omitempty"`
}

// TaskStatus enumerates task states.
type TaskStatus string

const (
	TaskStatusOpen TaskStatus = "open"
	TaskStatusDone TaskStatus = "done"
)

// Task is the payload schema for the tasks collection.
type Task struct {
	Title     string     `json:"title"`
	Status    TaskStatus `json:"status"`
	DueDate   *time.Time `json:"due_date,omitempty"`
	RelatedID string     `json:"related_id,omitempty"`
	Notes     string     `json:"notes,omitempty"`
}

// Activity is the payload schema for the activities collection, an
// append-style audit line attached to another record.
type Activity struct {
	EntityID string `json:"entity_id"`
	Action   string `json:"action"`
	Detail   string `json:"detail,omitempty"`
}

// Reminder is the payload schema for the reminders collection.
type Reminder struct {
	Title    string    `json:"title"`
	RemindAt time.Time `json:"remind_at"`
	Done     bool      `json:"done"`
}

// Review is the payload schema for the reviews collection.
type Review struct {
	CustomerID string `json:"customer_id"`
	Rating     int    `json:"rating"`
	Comment    string `json:"comment,omitempty"`
}

type schemaValidator func(payload json.RawMessage) error

var schemaRegistry = map[Collection]schemaValidator{
	CollectionCustomers:  validateCustomer,
	CollectionLeads:      validateLead,
	CollectionJobs:       validateJob,
	CollectionEstimates:  validateEstimate,
	CollectionInvoices:   validateInvoice,
	CollectionTasks:      validateTask,
	CollectionActivities: validateActivity,
	CollectionReminders:  validateReminder,
	CollectionReviews:    validateReview,
}

// Collections returns every registered collection name.
func Collections() []Collection {
	return []Collection{
		CollectionCustomers,
		CollectionLeads,
		CollectionJobs,
		CollectionEstimates,
		CollectionInvoices,
		CollectionTasks,
		CollectionActivities,
		CollectionReminders,
		CollectionReviews,
	}
}

// DecodePayload validates a raw payload against the closed schema registered
// for the collection. Unknown fields and malformed values are rejected before
// the record can reach a cache or the row store.
func DecodePayload(collection Collection, payload json.RawMessage) error {
	validator, ok := schemaRegistry[collection]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownCollection, collection)
	}
	if len(bytes.TrimSpace(payload)) == 0 {
		return fmt.Errorf("%w: empty payload", ErrInvalidPayload)
	}
	return validator(payload)
}

func strictDecode(payload json.RawMessage, target any) error {
	decoder := json.NewDecoder(bytes.NewReader(payload))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}

func requireField(name, value string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("%w: %s is required", ErrInvalidPayload, name)
	}
	return nil
}

func validateCustomer(payload json.RawMessage) error {
	var customer Customer
	if err := strictDecode(payload, &customer); err != nil {
		return err
	}
	if err := requireField("name", customer.Name); err != nil {
		return err
	}
	switch customer.Status {
	case CustomerStatusActive, CustomerStatusArchived:
		return nil
	default:
		return fmt.Errorf("%w: unknown customer status %q", ErrInvalidPayload, customer.Status)
	}
}

func validateLead(payload json.RawMessage) error {
	var lead Lead
	if err := strictDecode(payload, &lead); err != nil {
		return err
	}
	if err := requireField("name", lead.Name); err != nil {
		return err
	}
	if lead.EstimatedValue.IsNegative() {
		return fmt.Errorf("%w: estimated_value must not be negative", ErrInvalidPayload)
	}
	switch lead.Status {
	case LeadStatusNew, LeadStatusContacted, LeadStatusQualified, LeadStatusConverted, LeadStatusLost:
		return nil
	default:
		return fmt.Errorf("%w: unknown lead status %q", ErrInvalidPayload, lead.Status)
	}
}

func validateJob(payload json.RawMessage) error {
	var job Job
	if err := strictDecode(payload, &job); err != nil {
		return err
	}
	if err := requireField("title", job.Title); err != nil {
		return err
	}
	switch job.Status {
	case JobStatusScheduled, JobStatusInProgress, JobStatusCompleted, JobStatusCancelled:
		return nil
	default:
		return fmt.Errorf("%w: unknown job status %q", ErrInvalidPayload, job.Status)
	}
}

func validateEstimate(payload json.RawMessage) error {
	var estimate Estimate
	if err := strictDecode(payload, &estimate); err != nil {
		return err
	}
	if err := requireField("customer_id", estimate.CustomerID); err != nil {
		return err
	}
	switch estimate.Status {
	case EstimateStatusDraft, EstimateStatusSent, EstimateStatusApproved, EstimateStatusRejected:
	default:
		return fmt.Errorf("%w: unknown estimate status %q", ErrInvalidPayload, estimate.Status)
	}
	totals, err := ComputeTotals(estimate.LineItems, estimate.TaxRate)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if !totals.Subtotal.Equal(estimate.Subtotal) || !totals.Total.Equal(estimate.Total) {
		return fmt.Errorf("%w: estimate", ErrTotalsMismatch)
	}
	return nil
}

func validateInvoice(payload json.RawMessage) error {
	var invoice Invoice
	if err := strictDecode(payload, &invoice); err != nil {
		return err
	}
	if err := requireField("customer_id", invoice.CustomerID); err != nil {
		return err
	}
	switch invoice.Status {
	case InvoiceStatusDraft, InvoiceStatusSent, InvoiceStatusPaid, InvoiceStatusOverdue, InvoiceStatusVoid:
	default:
		return fmt.Errorf("%w: unknown invoice status %q", ErrInvalidPayload, invoice.Status)
	}
	totals, err := ComputeTotals(invoice.LineItems, invoice.TaxRate)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if !totals.Subtotal.Equal(invoice.Subtotal) || !totals.Total.Equal(invoice.TotalAmount) {
		return fmt.Errorf("%w: invoice", ErrTotalsMismatch)
	}
	return nil
}

func validateTask(payload json.RawMessage) error {
	var task Task
	if err := strictDecode(payload, &task); err != nil {
		return err
	}
	if err := requireField("title", task.Title); err != nil {
		return err
	}
	switch task.Status {
	case TaskStatusOpen, TaskStatusDone:
		return nil
	default:
		return fmt.Errorf("%w: unknown task status %q", ErrInvalidPayload, task.Status)
	}
}

func validateActivity(payload json.RawMessage) error {
	var activity Activity
	if err := strictDecode(payload, &activity); err != nil {
		return err
	}
	if err := requireField("entity_id", activity.EntityID); err != nil {
		return err
	}
	return requireField("action", activity.Action)
}

func validateReminder(payload json.RawMessage) error {
	var reminder Reminder
	if err := strictDecode(payload, &reminder); err != nil {
		return err
	}
	if err := requireField("title", reminder.Title); err != nil {
		return err
	}
	if reminder.RemindAt.IsZero() {
		return fmt.Errorf("%w: remind_at is required", ErrInvalidPayload)
	}
	return nil
}

func validateReview(payload json.RawMessage) error {
	var review Review
	if err := strictDecode(payload, &review); err != nil {
		return err
	}
	if err := requireField("customer_id", review.CustomerID); err != nil {
		return err
	}
	if review.Rating < 1 || review.Rating > 5 {
		return fmt.Errorf("%w: rating must be between 1 and 5", ErrInvalidPayload)
	}
	return nil
}
