package stack

import "testing"

func TestParse_DependsOnListForm(t *testing.T) {
	yamlDoc := []byte(`
services:
  db:
    image: postgres:16
  app:
    image: myapp:1.0
    depends_on:
      - db
`)
	doc, err := Parse(yamlDoc)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	app, ok := doc.Services["app"]
	if !ok {
		t.Fatal("expected service app")
	}
	if len(app.DependsOn) != 1 || app.DependsOn[0] != "db" {
		t.Errorf("DependsOn = %v, want [db]", app.DependsOn)
	}
}

func TestParse_DependsOnMappingForm(t *testing.T) {
	yamlDoc := []byte(`
services:
  db:
    image: postgres:16
  cache:
    image: redis:7
  app:
    image: myapp:1.0
    depends_on:
      db:
        condition: service_healthy
      cache:
        condition: service_started
`)
	doc, err := Parse(yamlDoc)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	app := doc.Services["app"]
	if len(app.DependsOn) != 2 {
		t.Fatalf("DependsOn = %v, want 2 entries", app.DependsOn)
	}
	want := map[string]bool{"db": true, "cache": true}
	for _, d := range app.DependsOn {
		if !want[d] {
			t.Errorf("unexpected dependency %q", d)
		}
	}
}

func TestParse_NetworksAndVolumes(t *testing.T) {
	yamlDoc := []byte(`
services:
  app:
    image: myapp:1.0
    networks:
      - front
    volumes:
      - data:/var/lib/app
networks:
  front:
    driver: bridge
  edge:
    external: true
volumes:
  data:
    driver: local
`)
	doc, err := Parse(yamlDoc)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if doc.Networks["front"].Driver != "bridge" {
		t.Errorf("front driver = %q, want bridge", doc.Networks["front"].Driver)
	}
	if !doc.Networks["edge"].External {
		t.Error("expected edge network to be external")
	}
	if doc.Volumes["data"].Driver != "local" {
		t.Errorf("data volume driver = %q, want local", doc.Volumes["data"].Driver)
	}
}

func TestParse_EmptyDocumentInitializesMaps(t *testing.T) {
	doc, err := Parse([]byte(``))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if doc.Services == nil || doc.Networks == nil || doc.Volumes == nil {
		t.Error("expected Parse to initialize empty maps rather than leave them nil")
	}
}
