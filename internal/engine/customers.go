package engine

import (
	"context"
	"database/sql"
	"strings"

	"github.com/google/uuid"

	"rollup/internal/domain"
	"rollup/internal/events"
	"rollup/internal/repo"
)

type CustomerCreateOptions struct {
	ID        string
	Name      string
	Status    domain.CustomerStatus
	Priority  domain.Priority
	StartDate string
	DueDate   string
	ActorID   string
}

func (e Engine) CreateCustomer(ctx context.Context, opts CustomerCreateOptions) (domain.Customer, error) {
	name := strings.TrimSpace(opts.Name)
	if name == "" {
		return domain.Customer{}, invalid("name", "is required")
	}
	if opts.Status == "" {
		opts.Status = domain.CustomerPlanning
	}
	if _, err := ParseCustomerStatus(string(opts.Status)); err != nil {
		return domain.Customer{}, err
	}
	if opts.Priority == "" {
		opts.Priority = domain.PriorityMedium
	}
	if err := validatePriority(opts.Priority); err != nil {
		return domain.Customer{}, err
	}
	if opts.StartDate != "" {
		if err := validateDate("start_date", opts.StartDate); err != nil {
			return domain.Customer{}, err
		}
	}
	if opts.DueDate != "" {
		if err := validateDate("due_date", opts.DueDate); err != nil {
			return domain.Customer{}, err
		}
	}
	if opts.ID == "" {
		opts.ID = uuid.NewString()
	}
	now := e.stamp()
	c := domain.Customer{
		ID:        opts.ID,
		Name:      name,
		Priority:  opts.Priority,
		StartDate: optionalString(opts.StartDate),
		DueDate:   optionalString(opts.DueDate),
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	applyCustomerStatus(&c, opts.Status, e.now())
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		if err := e.Customers.InsertCustomer(ctx, tx, c); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, events.CustomerCreated, c.ID, string(domain.KindCustomer), c.ID, actorOrSystem(opts.ActorID),
			events.Payload{"name": c.Name, "status": c.Status})
	})
	if err != nil {
		return domain.Customer{}, err
	}
	return c, nil
}

// CustomerUpdateOptions carries the fields to change; nil leaves a field as is.
// Progress is derived and cannot be set.
type CustomerUpdateOptions struct {
	ID              string
	Name            *string
	Status          *domain.CustomerStatus
	Priority        *domain.Priority
	StartDate       *string
	DueDate         *string
	ExpectedVersion int
	ActorID         string
}

func (e Engine) UpdateCustomer(ctx context.Context, opts CustomerUpdateOptions) (domain.Customer, error) {
	var c domain.Customer
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		c, err = e.Customers.GetCustomer(ctx, tx, opts.ID)
		if err != nil {
			return storeErr(domain.KindCustomer, opts.ID, 0, err)
		}
		if opts.ExpectedVersion > 0 && opts.ExpectedVersion != c.Version {
			return &VersionConflictError{Kind: domain.KindCustomer, ID: c.ID, Expected: opts.ExpectedVersion}
		}
		version := c.Version
		changes := events.Payload{}
		if opts.Name != nil {
			name := strings.TrimSpace(*opts.Name)
			if name == "" {
				return invalid("name", "must not be empty")
			}
			c.Name = name
			changes["name"] = name
		}
		if opts.Status != nil {
			if _, err := ParseCustomerStatus(string(*opts.Status)); err != nil {
				return err
			}
			if *opts.Status != c.Status {
				changes["status"] = map[string]any{"from": c.Status, "to": *opts.Status}
			}
			applyCustomerStatus(&c, *opts.Status, e.now())
		}
		if opts.Priority != nil {
			if err := validatePriority(*opts.Priority); err != nil {
				return err
			}
			c.Priority = *opts.Priority
			changes["priority"] = c.Priority
		}
		if opts.StartDate != nil {
			if *opts.StartDate != "" {
				if err := validateDate("start_date", *opts.StartDate); err != nil {
					return err
				}
			}
			c.StartDate = optionalString(*opts.StartDate)
			changes["start_date"] = *opts.StartDate
		}
		if opts.DueDate != nil {
			if *opts.DueDate != "" {
				if err := validateDate("due_date", *opts.DueDate); err != nil {
					return err
				}
			}
			c.DueDate = optionalString(*opts.DueDate)
			changes["due_date"] = *opts.DueDate
		}
		c.UpdatedAt = e.stamp()
		if err := e.Customers.UpdateCustomer(ctx, tx, c, version); err != nil {
			return storeErr(domain.KindCustomer, c.ID, version, err)
		}
		c.Version = version + 1
		return e.Events.Append(ctx, tx, events.CustomerUpdated, c.ID, string(domain.KindCustomer), c.ID, actorOrSystem(opts.ActorID), changes)
	})
	if err != nil {
		return domain.Customer{}, err
	}
	return c, nil
}

func (e Engine) GetCustomer(ctx context.Context, id string) (domain.Customer, error) {
	c, err := e.Customers.GetCustomer(ctx, nil, id)
	return c, storeErr(domain.KindCustomer, id, 0, err)
}

func (e Engine) ListCustomers(ctx context.Context, f repo.CustomerFilter) ([]domain.Customer, error) {
	if f.Status != "" {
		if _, err := ParseCustomerStatus(string(f.Status)); err != nil {
			return nil, err
		}
	}
	return e.Customers.ListCustomers(ctx, nil, f)
}

func (e Engine) ListEvents(ctx context.Context, f repo.EventFilter) ([]domain.Event, error) {
	return e.EventLog.LatestEvents(ctx, nil, f)
}

func (e Engine) EventsAfter(ctx context.Context, cursor int64, limit int) ([]domain.Event, error) {
	return e.EventLog.EventsAfter(ctx, nil, cursor, limit)
}
