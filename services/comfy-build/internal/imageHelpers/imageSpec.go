package imageHelpers

import (
	"fmt"
	"sort"
	"strings"
)

// Definition is a declarative container-image build chain. Each method
// appends a layer; Render turns the chain into a Dockerfile. Layers are
// ordered, so expensive steps should come first to survive rebuilds of the
// later ones.
type Definition struct {
	baseImage string
	layers    []string
}

func NewDefinition(baseImage string) *Definition {
	return &Definition{baseImage: baseImage}
}

func (d *Definition) AptInstall(pkgs ...string) *Definition {
	d.layers = append(d.layers, fmt.Sprintf(
		"RUN apt-get update && apt-get install -y --no-install-recommends %s && rm -rf /var/lib/apt/lists/*",
		strings.Join(pkgs, " ")))
	return d
}

func (d *Definition) PipInstall(pkgs ...string) *Definition {
	quoted := make([]string, len(pkgs))
	for i, p := range pkgs {
		quoted[i] = fmt.Sprintf("%q", p)
	}
	d.layers = append(d.layers, "RUN pip install "+strings.Join(quoted, " "))
	return d
}

// RunCommands appends one RUN layer per command, matching how the chain was
// originally expressed step by step.
func (d *Definition) RunCommands(cmds ...string) *Definition {
	for _, c := range cmds {
		d.layers = append(d.layers, "RUN "+c)
	}
	return d
}

// CopyLocalFile copies a file from the build context into the image.
func (d *Definition) CopyLocalFile(src, dest string) *Definition {
	d.layers = append(d.layers, fmt.Sprintf("COPY %q %q", src, dest))
	return d
}

func (d *Definition) Env(env map[string]string) *Definition {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		d.layers = append(d.layers, fmt.Sprintf("ENV %s=%q", k, env[k]))
	}
	return d
}

// Render produces the Dockerfile text for the chain. Output is deterministic
// for a given chain.
func (d *Definition) Render() string {
	var b strings.Builder
	b.WriteString("FROM " + d.baseImage + "\n")
	for _, l := range d.layers {
		b.WriteString(l + "\n")
	}
	return b.String()
}
