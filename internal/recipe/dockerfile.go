package recipe

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strings"
)

// Renders the recipe as an equivalent Dockerfile.
//
// Cache groups become a comment followed by their nested steps: in a
// Dockerfile the manifest copies placed before the source copy give the same
// layer reuse. Step-scoped modifiers are rendered as inline environment
// assignments and a temporary WORKDIR.
func Dockerfile(r *Recipe) string {
	var b strings.Builder
	for i, s := range r.Stages {
		if i > 0 {
			b.WriteString("\n")
		}
		writeStage(&b, s)
	}
	return b.String()
}

// Writes a single stage.
func writeStage(b *strings.Builder, s Stage) {
	if s.Name != "" {
		fmt.Fprintf(b, "FROM %s AS %s\n", s.From, s.Name)
	} else {
		fmt.Fprintf(b, "FROM %s\n", s.From)
	}

	w := &dockerfileWriter{b: b}
	w.steps(s.Steps)

	if len(s.Entrypoint) > 0 {
		fmt.Fprintf(b, "ENTRYPOINT %s\n", jsonArray(s.Entrypoint))
	}
}

// Tracks the persistent working directory while writing steps.
type dockerfileWriter struct {
	b       *strings.Builder
	workdir string
}

func (w *dockerfileWriter) steps(steps []Step) {
	for _, step := range steps {
		w.step(step)
	}
}

func (w *dockerfileWriter) step(step Step) {
	hasOp := step.Run != "" || step.Copy != ""

	if len(step.Steps) > 0 {
		if step.Cache != nil {
			fmt.Fprintf(w.b, "# cache %s: %s\n", step.Cache.Name, strings.Join(step.Cache.Key, " "))
		}
		w.modifiers(step)
		w.steps(step.Steps)
		return
	}

	if !hasOp {
		w.modifiers(step)
		return
	}

	restore := ""
	if step.Workdir != "" && step.Workdir != w.workdir {
		fmt.Fprintf(w.b, "WORKDIR %s\n", step.Workdir)
		restore = w.workdir
	}

	switch {
	case step.Run != "":
		w.run(step)
	case step.Copy != "":
		w.copy(step.Copy)
	}

	if restore != "" {
		fmt.Fprintf(w.b, "WORKDIR %s\n", restore)
	}
}

// Writes persistent modifiers.
func (w *dockerfileWriter) modifiers(step Step) {
	if step.Shell != "" {
		fmt.Fprintf(w.b, "SHELL %s\n", jsonArray([]string{step.Shell, "-c"}))
	}
	if step.Workdir != "" {
		fmt.Fprintf(w.b, "WORKDIR %s\n", step.Workdir)
		w.workdir = step.Workdir
	}
	for _, k := range slices.Sorted(maps.Keys(step.Env)) {
		fmt.Fprintf(w.b, "ENV %s=%s\n", k, quoteEnv(step.Env[k]))
	}
}

func (w *dockerfileWriter) run(step Step) {
	var prefix strings.Builder
	for _, k := range slices.Sorted(maps.Keys(step.Env)) {
		fmt.Fprintf(&prefix, "%s=%s ", k, quoteEnv(step.Env[k]))
	}
	fmt.Fprintf(w.b, "RUN %s%s\n", prefix.String(), step.Run)
}

func (w *dockerfileWriter) copy(s string) {
	c, err := ParseCopy(s)
	if err != nil {
		fmt.Fprintf(w.b, "# invalid copy: %s\n", s)
		return
	}
	if c.FromStage() {
		fmt.Fprintf(w.b, "COPY --from=%s %s %s\n", c.Stage, c.Src, c.Dest)
		return
	}
	fmt.Fprintf(w.b, "COPY %s %s\n", c.Src, c.Dest)
}

func jsonArray(v []string) string {
	b, _ := json.Marshal(v)
	return string(b)
}

// Quotes an environment value if it contains whitespace or quotes.
func quoteEnv(v string) string {
	if v == "" || strings.ContainsAny(v, " \t\"'$") {
		return fmt.Sprintf("%q", v)
	}
	return v
}
