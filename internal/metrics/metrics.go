// Package metrics computes dashboard summaries from cached CRM records.
// Every computation is a pure function over record slices; nothing here is
// persisted, and snapshots are recomputed whenever a cache changes.
package metrics

import (
	"encoding/json"

	"github.com/copperlinehq/copperline/internal/crm"
	"github.com/shopspring/decimal"
)

// StatusCounts maps a status value to the number of records carrying it.
type StatusCounts map[string]int

// Dashboard is one recomputed summary over the lead, job and invoice caches.
type Dashboard struct {
	LeadCounts     StatusCounts
	JobCounts      StatusCounts
	InvoiceCounts  StatusCounts
	Revenue        decimal.Decimal
	Outstanding    decimal.Decimal
	LeadConversion float64
	JobCompletion  float64
	MonthlyRevenue map[string]decimal.Decimal
	TotalLeadValue decimal.Decimal
}

// DashboardInput carries the record slices the dashboard is derived from.
type DashboardInput struct {
	Leads    []crm.Record
	Jobs     []crm.Record
	Invoices []crm.Record
}

type statusOnly struct {
	Status string `json:"status"`
}

// CountByStatus tallies records per status field. Records whose payload
// cannot yield a status are skipped deterministically.
func CountByStatus(records []crm.Record) StatusCounts {
	counts := make(StatusCounts)
	for _, record := range records {
		var payload statusOnly
		if err := json.Unmarshal(record.Payload, &payload); err != nil || payload.Status == "" {
			continue
		}
		counts[payload.Status]++
	}
	return counts
}

// Revenue sums the total of every paid invoice.
func Revenue(invoices []crm.Record) decimal.Decimal {
	return sumInvoiceTotals(invoices, func(status crm.InvoiceStatus) bool {
		return status == crm.InvoiceStatusPaid
	})
}

// Outstanding sums the total of every sent or overdue invoice.
func Outstanding(invoices []crm.Record) decimal.Decimal {
	return sumInvoiceTotals(invoices, func(status crm.InvoiceStatus) bool {
		return status == crm.InvoiceStatusSent || status == crm.InvoiceStatusOverdue
	})
}

// LeadConversionRate returns converted leads over all leads, 0 when there
// are no leads.
func LeadConversionRate(leads []crm.Record) float64 {
	return rate(CountByStatus(leads), string(crm.LeadStatusConverted), len(leads))
}

// JobCompletionRate returns completed jobs over all jobs, 0 when there are
// no jobs.
func JobCompletionRate(jobs []crm.Record) float64 {
	return rate(CountByStatus(jobs), string(crm.JobStatusCompleted), len(jobs))
}

// TotalLeadValue sums the estimated value across open pipeline leads
// (everything not converted or lost).
func TotalLeadValue(leads []crm.Record) decimal.Decimal {
	total := decimal.Zero
	for _, record := range leads {
		var lead crm.Lead
		if err := json.Unmarshal(record.Payload, &lead); err != nil {
			continue
		}
		if lead.Status == crm.LeadStatusConverted || lead.Status == crm.LeadStatusLost {
			continue
		}
		total = total.Add(lead.EstimatedValue)
	}
	return total
}

// MonthlyRevenue buckets paid invoice totals by the month ("2006-01") the
// invoice was last updated, which is when it flipped to paid.
func MonthlyRevenue(invoices []crm.Record) map[string]decimal.Decimal {
	buckets := make(map[string]decimal.Decimal)
	for _, record := range invoices {
		var invoice crm.Invoice
		if err := json.Unmarshal(record.Payload, &invoice); err != nil {
			continue
		}
		if invoice.Status != crm.InvoiceStatusPaid {
			continue
		}
		month := record.UpdatedAt.UTC().Format("2006-01")
		buckets[month] = buckets[month].Add(invoice.TotalAmount)
	}
	return buckets
}

// ComputeDashboard derives the full dashboard snapshot. Deterministic and
// side-effect-free: equal inputs yield equal outputs.
func ComputeDashboard(input DashboardInput) Dashboard {
	return Dashboard{
		LeadCounts:     CountByStatus(input.Leads),
		JobCounts:      CountByStatus(input.Jobs),
		InvoiceCounts:  CountByStatus(input.Invoices),
		Revenue:        Revenue(input.Invoices),
		Outstanding:    Outstanding(input.Invoices),
		LeadConversion: LeadConversionRate(input.Leads),
		JobCompletion:  JobCompletionRate(input.Jobs),
		MonthlyRevenue: MonthlyRevenue(input.Invoices),
		TotalLeadValue: TotalLeadValue(input.Leads),
	}
}

func sumInvoiceTotals(invoices []crm.Record, include func(crm.InvoiceStatus) bool) decimal.Decimal {
	total := decimal.Zero
	for _, record := range invoices {
		var invoice crm.Invoice
		if err := json.Unmarshal(record.Payload, &invoice); err != nil {
			continue
		}
		if include(invoice.Status) {
			total = total.Add(invoice.TotalAmount)
		}
	}
	return total
}

// rate divides a status count by a denominator with the explicit zero policy:
// an empty denominator yields 0, never NaN.
func rate(counts StatusCounts, status string, denominator int) float64 {
	if denominator == 0 {
		return 0
	}
	return float64(counts[status]) / float64(denominator)
}
