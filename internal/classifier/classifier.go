package classifier

import (
	"cdss-inference/internal/models"
	"context"
	"errors"
	"fmt"
)

// ErrUnknownModel is returned when no classifier is registered for a model kind
var ErrUnknownModel = errors.New("no classifier registered for model")

// Prediction is the top class of one classification run
type Prediction struct {
	Label       string
	Probability float64
}

// Classifier labels an encoded image. Implementations must be safe for concurrent use.
type Classifier interface {
	Classify(ctx context.Context, image []byte) (Prediction, error)
}

// Registry maps each model kind to the classifier serving it.
// It is built once at startup and only read afterwards.
type Registry struct {
	classifiers map[models.ModelKind]Classifier
}

// NewRegistry creates a registry from a fixed set of classifiers
func NewRegistry(classifiers map[models.ModelKind]Classifier) *Registry {
	r := &Registry{classifiers: make(map[models.ModelKind]Classifier, len(classifiers))}
	for kind, c := range classifiers {
		if c != nil {
			r.classifiers[kind] = c
		}
	}
	return r
}

// Get returns the classifier for kind
func (r *Registry) Get(kind models.ModelKind) (Classifier, error) {
	c, ok := r.classifiers[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownModel, kind)
	}
	return c, nil
}

// Has reports whether kind can be served
func (r *Registry) Has(kind models.ModelKind) bool {
	_, ok := r.classifiers[kind]
	return ok
}

// StaticClassifier returns the same prediction for every image
type StaticClassifier struct {
	Prediction Prediction
}

// Classify returns the configured prediction
func (s StaticClassifier) Classify(ctx context.Context, image []byte) (Prediction, error) {
	if err := ctx.Err(); err != nil {
		return Prediction{}, err
	}
	return s.Prediction, nil
}

// Func adapts a function to the Classifier interface
type Func func(ctx context.Context, image []byte) (Prediction, error)

// Classify calls f(ctx, image)
func (f Func) Classify(ctx context.Context, image []byte) (Prediction, error) {
	return f(ctx, image)
}
