package config

import (
	"fmt"
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"
)

// hclFile is the decoding schema of a config file. Pointer fields stay nil
// when the attribute is absent so defaults survive.
type hclFile struct {
	Workspace *string      `hcl:"workspace,optional"`
	Database  *string      `hcl:"database,optional"`
	CrateList *string      `hcl:"crate_list,optional"`
	Sources   *string      `hcl:"sources,optional"`
	Build     *hclBuild    `hcl:"build,block"`
	Analysis  *hclAnalysis `hcl:"analysis,block"`
	Artifact  *hclArtifact `hcl:"artifact,block"`
}

type hclBuild struct {
	Command          []string          `hcl:"command,optional"`
	Env              map[string]string `hcl:"env,optional"`
	Sandbox          *string           `hcl:"sandbox,optional"`
	BwrapPath        *string           `hcl:"bwrap_path,optional"`
	ReadWrite        []string          `hcl:"read_write,optional"`
	MaxLogBytes      *int64            `hcl:"max_log_bytes,optional"`
	MemoryLimit      *int64            `hcl:"memory_limit,optional"`
	TimeoutSeconds   *int64            `hcl:"timeout_seconds,optional"`
	EnableNetworking *bool             `hcl:"enable_networking,optional"`
	StopOnError      *bool             `hcl:"stop_on_error,optional"`
}

type hclAnalysis struct {
	PolicyScript *string `hcl:"policy_script,optional"`
	Hierarchy    *bool   `hcl:"hierarchy,optional"`
}

type hclArtifact struct {
	Output *string `hcl:"output,optional"`
}

// applyFile overlays the HCL file at path. Expressions can read env.NAME
// and workspace, which is the file's own workspace attribute when set.
func (c *Config) applyFile(path string, env map[string]string) error {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCLFile(path)
	if diags.HasErrors() {
		return fmt.Errorf("config: failed to parse %s: %w", path, diags)
	}

	envVal := envObject(env)
	workspace := c.Workspace
	content, _, diags := file.Body.PartialContent(&hcl.BodySchema{
		Attributes: []hcl.AttributeSchema{{Name: "workspace"}},
	})
	if diags.HasErrors() {
		return fmt.Errorf("config: failed to decode %s: %w", path, diags)
	}
	if attr, ok := content.Attributes["workspace"]; ok {
		envOnly := &hcl.EvalContext{Variables: map[string]cty.Value{"env": envVal}}
		if diags := gohcl.DecodeExpression(attr.Expr, envOnly, &workspace); diags.HasErrors() {
			return fmt.Errorf("config: failed to decode %s: %w", path, diags)
		}
	}

	evalCtx := &hcl.EvalContext{Variables: map[string]cty.Value{
		"env":       envVal,
		"workspace": cty.StringVal(workspace),
	}}
	var parsed hclFile
	if diags := gohcl.DecodeBody(file.Body, evalCtx, &parsed); diags.HasErrors() {
		return fmt.Errorf("config: failed to decode %s: %w", path, diags)
	}
	c.overlay(&parsed)
	return nil
}

func (c *Config) overlay(f *hclFile) {
	setString(&c.Workspace, f.Workspace)
	setString(&c.Database, f.Database)
	setString(&c.CrateList, f.CrateList)
	setString(&c.SourcesDir, f.Sources)

	if b := f.Build; b != nil {
		if b.Command != nil {
			c.Build.Command = b.Command
		}
		for k, v := range b.Env {
			c.Build.Env[k] = v
		}
		setString(&c.Build.Sandbox, b.Sandbox)
		setString(&c.Build.BwrapPath, b.BwrapPath)
		if b.ReadWrite != nil {
			c.Build.ReadWrite = b.ReadWrite
		}
		if b.MaxLogBytes != nil {
			c.Build.MaxLogBytes = *b.MaxLogBytes
		}
		if b.MemoryLimit != nil {
			c.Build.MemoryLimit = *b.MemoryLimit
		}
		if b.TimeoutSeconds != nil {
			c.Build.Timeout = time.Duration(*b.TimeoutSeconds) * time.Second
		}
		if b.EnableNetworking != nil {
			c.Build.EnableNetworking = *b.EnableNetworking
		}
		if b.StopOnError != nil {
			c.Build.StopOnError = *b.StopOnError
		}
	}
	if a := f.Analysis; a != nil {
		setString(&c.Analysis.PolicyScript, a.PolicyScript)
		if a.Hierarchy != nil {
			c.Analysis.Hierarchy = *a.Hierarchy
		}
	}
	if a := f.Artifact; a != nil {
		setString(&c.Artifact.Output, a.Output)
	}
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

func envObject(env map[string]string) cty.Value {
	if len(env) == 0 {
		return cty.EmptyObjectVal
	}
	vals := make(map[string]cty.Value, len(env))
	for k, v := range env {
		vals[k] = cty.StringVal(v)
	}
	return cty.ObjectVal(vals)
}
