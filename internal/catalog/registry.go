package catalog

// Registry is the process-lifetime set of selectable models, fixed at
// startup. Sessions only ever hold model ids; lookups go through here.
type Registry struct {
	models []Model
	byID   map[string]Model
}

func NewRegistry(models []Model) (*Registry, error) {
	if len(models) == 0 {
		return nil, ErrNoModels
	}

	byID := make(map[string]Model, len(models))
	for _, model := range models {
		byID[model.ID] = model
	}

	return &Registry{models: models, byID: byID}, nil
}

func (r *Registry) All() []Model {
	copied := make([]Model, len(r.models))
	copy(copied, r.models)

	return copied
}

func (r *Registry) Get(id string) (Model, bool) {
	model, ok := r.byID[id]
	return model, ok
}

func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.models))
	for _, model := range r.models {
		ids = append(ids, model.ID)
	}

	return ids
}
