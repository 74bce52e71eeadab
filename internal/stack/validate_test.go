package stack

import "testing"

func TestValidate_SelfDependencyRejected(t *testing.T) {
	doc := &Document{Services: map[string]Service{
		"app": {Image: "a", DependsOn: DependsOn{"app"}},
	}}
	err := Validate(doc)
	if err == nil {
		t.Fatal("expected error for self-dependency")
	}
	ve, ok := err.(*ValidationError)
	if !ok {
		t.Fatalf("expected *ValidationError, got %T", err)
	}
	if len(ve.Services) != 1 || ve.Services[0] != "app" {
		t.Errorf("expected app named, got %v", ve.Services)
	}
}

func TestValidate_UndefinedDependencyRejected(t *testing.T) {
	doc := &Document{Services: map[string]Service{
		"app": {Image: "a", DependsOn: DependsOn{"missing"}},
	}}
	err := Validate(doc)
	if err == nil {
		t.Fatal("expected error for undefined dependency")
	}
}

func TestValidate_CycleRejected(t *testing.T) {
	doc := &Document{Services: map[string]Service{
		"a": {Image: "x", DependsOn: DependsOn{"b"}},
		"b": {Image: "x", DependsOn: DependsOn{"c"}},
		"c": {Image: "x", DependsOn: DependsOn{"a"}},
	}}
	err := Validate(doc)
	if err == nil {
		t.Fatal("expected error for dependency cycle")
	}
	ve, ok := err.(*ValidationError)
	if !ok {
		t.Fatalf("expected *ValidationError, got %T", err)
	}
	if len(ve.Services) == 0 {
		t.Error("expected cycle error to name the involved services")
	}
}

func TestValidate_AcceptsWellFormedDocument(t *testing.T) {
	doc := &Document{Services: map[string]Service{
		"db":  {Image: "postgres"},
		"app": {Image: "myapp", DependsOn: DependsOn{"db"}},
	}}
	if err := Validate(doc); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}
