package registry

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/groundline/groundline/pkg/crm"
)

// decode converts schema-validated parameters into the tool's typed record.
func decode[T any](params map[string]any) (T, error) {
	var out T
	raw, err := json.Marshal(params)
	if err != nil {
		return out, fmt.Errorf("registry: encode params: %w", err)
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("registry: decode params: %w", err)
	}
	return out, nil
}

func bind[T any](call func(context.Context, T) (*crm.Result, error)) ExecuteFunc {
	return func(ctx context.Context, params map[string]any) (*crm.Result, error) {
		p, err := decode[T](params)
		if err != nil {
			return nil, err
		}
		return call(ctx, p)
	}
}

type toolDef struct {
	tool   *Tool
	schema string
}

// RegisterStandardTools installs the full CRM tool surface bound to exec.
func RegisterStandardTools(r *Registry, exec crm.Executor) error {
	defs := []toolDef{
		{
			tool: &Tool{
				Name:        "create_lead",
				Description: "Create a new CRM lead record",
				Category:    CategoryLeadLifecycle,
				EntityType:  "lead",
				Mutating:    true,
				Execute:     bind(exec.CreateLead),
			},
			schema: `{
				"type": "object",
				"required": ["email"],
				"properties": {
					"email": {"type": "string", "minLength": 3},
					"firstName": {"type": "string"},
					"lastName": {"type": "string"},
					"company": {"type": "string"},
					"source": {"type": "string"}
				},
				"additionalProperties": false
			}`,
		},
		{
			tool: &Tool{
				Name:        "upsert_lead",
				Description: "Create or update the CRM lead keyed by email",
				Category:    CategoryLeadLifecycle,
				EntityType:  "lead",
				Mutating:    true,
				Execute:     bind(exec.UpsertLead),
			},
			schema: `{
				"type": "object",
				"required": ["email"],
				"properties": {
					"email": {"type": "string", "minLength": 3},
					"firstName": {"type": "string"},
					"lastName": {"type": "string"},
					"company": {"type": "string"}
				},
				"additionalProperties": false
			}`,
		},
		{
			tool: &Tool{
				Name:        "convert_lead",
				Description: "Convert a qualified lead into contact and opportunity",
				Category:    CategoryLeadLifecycle,
				EntityType:  "lead",
				Mutating:    true,
				Execute:     bind(exec.ConvertLead),
			},
			schema: `{
				"type": "object",
				"required": ["leadId"],
				"properties": {
					"leadId": {"type": "string", "minLength": 1},
					"accountId": {"type": "string"},
					"opportunityName": {"type": "string"}
				},
				"additionalProperties": false
			}`,
		},
		{
			tool: &Tool{
				Name:        "update_lead_status",
				Description: "Move a lead to a new lifecycle status",
				Category:    CategoryLeadLifecycle,
				EntityType:  "lead",
				Mutating:    true,
				Execute:     bind(exec.UpdateLeadStatus),
			},
			schema: `{
				"type": "object",
				"required": ["leadId", "status"],
				"properties": {
					"leadId": {"type": "string", "minLength": 1},
					"status": {"type": "string", "minLength": 1}
				},
				"additionalProperties": false
			}`,
		},
		{
			tool: &Tool{
				Name:        "update_lead_fields",
				Description: "Update arbitrary fields on a lead record",
				Category:    CategoryFieldUpdates,
				EntityType:  "lead",
				Mutating:    true,
				Execute:     bind(exec.UpdateLeadFields),
			},
			schema: `{
				"type": "object",
				"required": ["leadId", "fields"],
				"properties": {
					"leadId": {"type": "string", "minLength": 1},
					"fields": {"type": "object", "minProperties": 1}
				},
				"additionalProperties": false
			}`,
		},
		{
			tool: &Tool{
				Name:        "set_lead_score",
				Description: "Write a scoring value onto the lead",
				Category:    CategoryFieldUpdates,
				EntityType:  "lead",
				Mutating:    true,
				Execute:     bind(exec.SetLeadScore),
			},
			schema: `{
				"type": "object",
				"required": ["leadId", "score"],
				"properties": {
					"leadId": {"type": "string", "minLength": 1},
					"score": {"type": "integer", "minimum": 0, "maximum": 100},
					"scoreType": {"type": "string"}
				},
				"additionalProperties": false
			}`,
		},
		{
			tool: &Tool{
				Name:        "match_account",
				Description: "Find the CRM account matching a domain or name",
				Category:    CategoryAccountContact,
				EntityType:  "account",
				Mutating:    false,
				Execute:     bind(exec.MatchAccount),
			},
			schema: `{
				"type": "object",
				"properties": {
					"domain": {"type": "string"},
					"name": {"type": "string"}
				},
				"anyOf": [
					{"required": ["domain"]},
					{"required": ["name"]}
				],
				"additionalProperties": false
			}`,
		},
		{
			tool: &Tool{
				Name:        "create_contact",
				Description: "Create a CRM contact record",
				Category:    CategoryAccountContact,
				EntityType:  "contact",
				Mutating:    true,
				Execute:     bind(exec.CreateContact),
			},
			schema: `{
				"type": "object",
				"required": ["email"],
				"properties": {
					"email": {"type": "string", "minLength": 3},
					"firstName": {"type": "string"},
					"lastName": {"type": "string"},
					"accountId": {"type": "string"}
				},
				"additionalProperties": false
			}`,
		},
		{
			tool: &Tool{
				Name:        "link_contact_to_account",
				Description: "Attach an existing contact to an account",
				Category:    CategoryAccountContact,
				EntityType:  "contact",
				Mutating:    true,
				Execute:     bind(exec.LinkContactToAccount),
			},
			schema: `{
				"type": "object",
				"required": ["contactId", "accountId"],
				"properties": {
					"contactId": {"type": "string", "minLength": 1},
					"accountId": {"type": "string", "minLength": 1}
				},
				"additionalProperties": false
			}`,
		},
		{
			tool: &Tool{
				Name:        "create_opportunity",
				Description: "Open a sales opportunity",
				Category:    CategorySalesWorkflow,
				EntityType:  "opportunity",
				Mutating:    true,
				Execute:     bind(exec.CreateOpportunity),
			},
			schema: `{
				"type": "object",
				"required": ["name"],
				"properties": {
					"name": {"type": "string", "minLength": 1},
					"accountId": {"type": "string"},
					"stage": {"type": "string"},
					"amount": {"type": "number", "minimum": 0}
				},
				"additionalProperties": false
			}`,
		},
		{
			tool: &Tool{
				Name:        "update_opportunity_stage",
				Description: "Advance an opportunity to a new stage",
				Category:    CategorySalesWorkflow,
				EntityType:  "opportunity",
				Mutating:    true,
				Execute:     bind(exec.UpdateOpportunityStage),
			},
			schema: `{
				"type": "object",
				"required": ["opportunityId", "stage"],
				"properties": {
					"opportunityId": {"type": "string", "minLength": 1},
					"stage": {"type": "string", "minLength": 1}
				},
				"additionalProperties": false
			}`,
		},
		{
			tool: &Tool{
				Name:        "set_opportunity_value",
				Description: "Set the monetary value of an opportunity",
				Category:    CategorySalesWorkflow,
				EntityType:  "opportunity",
				Mutating:    true,
				Execute:     bind(exec.SetOpportunityValue),
			},
			schema: `{
				"type": "object",
				"required": ["opportunityId", "amount"],
				"properties": {
					"opportunityId": {"type": "string", "minLength": 1},
					"amount": {"type": "number", "minimum": 0}
				},
				"additionalProperties": false
			}`,
		},
		{
			tool: &Tool{
				Name:        "attach_campaign",
				Description: "Add the lead to a marketing campaign",
				Category:    CategorySalesWorkflow,
				EntityType:  "campaign",
				Mutating:    true,
				Execute:     bind(exec.AttachCampaign),
			},
			schema: `{
				"type": "object",
				"required": ["leadId", "campaignId"],
				"properties": {
					"leadId": {"type": "string", "minLength": 1},
					"campaignId": {"type": "string", "minLength": 1},
					"status": {"type": "string"}
				},
				"additionalProperties": false
			}`,
		},
		{
			tool: &Tool{
				Name:        "create_task",
				Description: "Create a task for the owning rep",
				Category:    CategoryActivity,
				EntityType:  "task",
				Mutating:    true,
				Execute:     bind(exec.CreateTask),
			},
			schema: `{
				"type": "object",
				"required": ["relatedToId", "subject"],
				"properties": {
					"relatedToId": {"type": "string", "minLength": 1},
					"subject": {"type": "string", "minLength": 1},
					"dueDate": {"type": "string"}
				},
				"additionalProperties": false
			}`,
		},
		{
			tool: &Tool{
				Name:        "log_activity",
				Description: "Record a completed activity against a record",
				Category:    CategoryActivity,
				EntityType:  "activity",
				Mutating:    true,
				Execute:     bind(exec.LogActivity),
			},
			schema: `{
				"type": "object",
				"required": ["relatedToId", "type"],
				"properties": {
					"relatedToId": {"type": "string", "minLength": 1},
					"type": {"type": "string", "minLength": 1},
					"description": {"type": "string"}
				},
				"additionalProperties": false
			}`,
		},
		{
			tool: &Tool{
				Name:        "add_note",
				Description: "Attach a free-text note to a record",
				Category:    CategoryActivity,
				EntityType:  "note",
				Mutating:    true,
				Execute:     bind(exec.AddNote),
			},
			schema: `{
				"type": "object",
				"required": ["relatedToId", "body"],
				"properties": {
					"relatedToId": {"type": "string", "minLength": 1},
					"title": {"type": "string"},
					"body": {"type": "string", "minLength": 1}
				},
				"additionalProperties": false
			}`,
		},
		{
			tool: &Tool{
				Name:        "create_follow_up",
				Description: "Schedule a follow-up task on the lead",
				Category:    CategoryActivity,
				EntityType:  "task",
				Mutating:    true,
				Execute:     bind(exec.CreateFollowUp),
			},
			schema: `{
				"type": "object",
				"required": ["leadId"],
				"properties": {
					"leadId": {"type": "string", "minLength": 1},
					"dueDate": {"type": "string"},
					"note": {"type": "string"}
				},
				"additionalProperties": false
			}`,
		},
		{
			tool: &Tool{
				Name:        "sync_firmographics",
				Description: "Write enrichment firmographics onto the lead",
				Category:    CategoryEnrichmentSync,
				EntityType:  "lead",
				Mutating:    true,
				Execute:     bind(exec.SyncFirmographics),
			},
			schema: `{
				"type": "object",
				"required": ["leadId", "firmographics"],
				"properties": {
					"leadId": {"type": "string", "minLength": 1},
					"firmographics": {"type": "object"}
				},
				"additionalProperties": false
			}`,
		},
	}

	for _, def := range defs {
		if err := r.Register(def.tool, def.schema); err != nil {
			return fmt.Errorf("registry: standard toolset: %w", err)
		}
	}
	return nil
}
