package portal

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"gilfond_flats/internal/priority"
)

// Requests is the priority table on the requests page.
type Requests struct {
	p *Portal
}

var _ priority.Page = (*Requests)(nil)

func (r *Requests) Load(ctx context.Context) error {
	return r.p.navigate(ctx, requestsPath)
}

func (r *Requests) state(ctx context.Context) (priorityState, error) {
	doc, err := r.p.document(ctx)
	if err != nil {
		return priorityState{}, err
	}
	return parsePriorities(doc), nil
}

func (r *Requests) MaxAssigned(ctx context.Context) (int, error) {
	st, err := r.state(ctx)
	return st.MaxAssigned, err
}

func (r *Requests) UnsetCount(ctx context.Context) (int, error) {
	st, err := r.state(ctx)
	return st.Unset, err
}

func (r *Requests) Fill(ctx context.Context, values []int) error {
	els, err := r.p.page.Context(ctx).Elements(markedInputs)
	if err != nil {
		return fmt.Errorf("failed to list priority inputs: %w", err)
	}

	i := 0
	for _, el := range els {
		if i == len(values) {
			break
		}
		v, err := el.Property("value")
		if err != nil {
			return fmt.Errorf("failed to read priority input: %w", err)
		}
		if strings.TrimSpace(v.Str()) != "" {
			continue
		}
		if err := el.Input(strconv.Itoa(values[i])); err != nil {
			return fmt.Errorf("failed to enter priority %d: %w", values[i], err)
		}
		i++
	}

	if i < len(values) {
		return fmt.Errorf("expected %d unset priority inputs, found %d", len(values), i)
	}
	return nil
}

func (r *Requests) Save(ctx context.Context) error {
	return r.p.submit(ctx, saveButton)
}
