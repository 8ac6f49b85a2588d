package types

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

type Validater interface {
	Validate() map[string]string
}

// RetrieveParams is the body of a context retrieval request.
type RetrieveParams struct {
	Ticket     Ticket `json:"ticket" validate:"required"`
	ProjectKey string `json:"project_key"`
}

// SearchParams is the body of a raw single-collection search request.
type SearchParams struct {
	Query      string `json:"query" validate:"required"`
	Collection string `json:"collection" validate:"required,oneof=test_plans doc_pages tickets catalog_tests"`
	TopK       int    `json:"top_k" validate:"omitempty,min=1,max=100"`
	ProjectKey string `json:"project_key"`
}

// IndexTicketParams is the body of a ticket-context indexing request.
type IndexTicketParams struct {
	Ticket        Ticket    `json:"ticket" validate:"required"`
	DocPages      []DocPage `json:"doc_pages"`
	LinkedTickets []Ticket  `json:"linked_tickets"`
	ProjectKey    string    `json:"project_key"`
}

// IndexCatalogParams is the body of a catalog sync indexing request.
type IndexCatalogParams struct {
	ProjectKey string        `json:"project_key" validate:"required"`
	Tests      []CatalogTest `json:"tests" validate:"required"`
}

// IndexPlanParams is the body of a generated-plan indexing request.
type IndexPlanParams struct {
	Plan TestPlan `json:"plan" validate:"required"`
}

func Validate(v Validater) map[string]string {
	return v.Validate()
}

func validateStruct(s any) map[string]string {
	validate := validator.New()
	if err := validate.Struct(s); err != nil {
		errs := err.(validator.ValidationErrors)
		errors := make(map[string]string)
		for _, e := range errs {
			errors[e.Field()] = fmt.Sprintf("failed on '%s' tag", e.Tag())
		}
		return errors
	}
	return nil
}

func (params *RetrieveParams) Validate() map[string]string {
	if errs := validateStruct(params); len(errs) > 0 {
		return errs
	}
	return validateStruct(&params.Ticket)
}

func (params *SearchParams) Validate() map[string]string {
	return validateStruct(params)
}

func (params *IndexTicketParams) Validate() map[string]string {
	if errs := validateStruct(params); len(errs) > 0 {
		return errs
	}
	return validateStruct(&params.Ticket)
}

func (params *IndexCatalogParams) Validate() map[string]string {
	return validateStruct(params)
}

func (params *IndexPlanParams) Validate() map[string]string {
	if errs := validateStruct(params); len(errs) > 0 {
		return errs
	}
	return validateStruct(&params.Plan)
}

// ValidateTicket checks the caller contract for a query ticket.
func ValidateTicket(t Ticket) error {
	if errs := validateStruct(&t); len(errs) > 0 {
		return fmt.Errorf("invalid ticket: %v", errs)
	}
	return nil
}
