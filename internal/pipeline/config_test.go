package pipeline

import (
	"errors"
	"strings"
	"testing"
)

func TestPlanTags(t *testing.T) {
	tags, err := PlanTags(testConfig(), testCommit)
	if err != nil {
		t.Fatalf("PlanTags: %v", err)
	}
	if tags.SHA != shaRef {
		t.Errorf("SHA = %q, want %q", tags.SHA, shaRef)
	}
	if tags.Latest != latestRef {
		t.Errorf("Latest = %q, want %q", tags.Latest, latestRef)
	}
	if refs := tags.Refs(); len(refs) != 2 || refs[0] != shaRef {
		t.Errorf("Refs = %v, want sha first", refs)
	}
}

func TestPlanTagsNoPrefix(t *testing.T) {
	cfg := testConfig()
	cfg.TagPrefix = ""
	cfg.Registry = "localhost:5000"

	tags, err := PlanTags(cfg, "abc1234")
	if err != nil {
		t.Fatalf("PlanTags: %v", err)
	}
	if tags.SHA != "localhost:5000/ligmir/image:abc1234" || tags.Latest != "localhost:5000/ligmir/image:latest" {
		t.Fatalf("tags = %+v", tags)
	}
}

func TestPlanTagsCleansPrefix(t *testing.T) {
	cfg := testConfig()
	cfg.TagPrefix = "Feature/X-"

	tags, err := PlanTags(cfg, "abc1234")
	if err != nil {
		t.Fatalf("PlanTags: %v", err)
	}
	if !strings.HasSuffix(tags.SHA, ":feature-x-abc1234") {
		t.Fatalf("SHA = %q, want cleaned tag", tags.SHA)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*RunConfig)
		ok     bool
	}{
		{"valid", func(*RunConfig) {}, true},
		{"registry with port", func(c *RunConfig) { c.Registry = "localhost:5000" }, true},
		{"nested repository", func(c *RunConfig) { c.Repository = "apps/ligmir" }, true},
		{"recipe file skips variant", func(c *RunConfig) { c.Variant = "custom"; c.RecipePath = "ligship.yaml" }, true},
		{"empty variant uses default", func(c *RunConfig) { c.Variant = "" }, true},
		{"missing registry", func(c *RunConfig) { c.Registry = "" }, false},
		{"registry with path", func(c *RunConfig) { c.Registry = "example.com/v2" }, false},
		{"missing registry id", func(c *RunConfig) { c.RegistryID = "" }, false},
		{"upper-case repository", func(c *RunConfig) { c.Repository = "Image" }, false},
		{"empty path component", func(c *RunConfig) { c.Repository = "apps//ligmir" }, false},
		{"bad tag prefix", func(c *RunConfig) { c.TagPrefix = "-bad" }, false},
		{"unknown variant", func(c *RunConfig) { c.Variant = "distroless" }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.ok && err != nil {
				t.Fatalf("Validate: %v", err)
			}
			if !tt.ok && !errors.Is(err, ErrInvalidConfig) {
				t.Fatalf("Validate = %v, want %v", err, ErrInvalidConfig)
			}
		})
	}
}

func TestCleanTag(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"  Latest ", "latest"},
		{"feature/new thing", "feature-new-thing"},
		{"a--b---c", "a-b-c"},
		{"", ""},
		{strings.Repeat("a", 200), strings.Repeat("a", 128)},
	}
	for _, tt := range tests {
		if got := cleanTag(tt.in); got != tt.want {
			t.Errorf("cleanTag(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestValidateTag(t *testing.T) {
	for _, tag := range []string{"latest", "ligmir-abc123", "v1.2.3", "_x"} {
		if !validateTag(tag) {
			t.Errorf("validateTag(%q) = false, want true", tag)
		}
	}
	for _, tag := range []string{"", "-x", ".x", "has space", "UPPER", strings.Repeat("a", 129)} {
		if validateTag(tag) {
			t.Errorf("validateTag(%q) = true, want false", tag)
		}
	}
}
