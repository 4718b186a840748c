package config

import (
	"fmt"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueyaml "cuelang.org/go/encoding/yaml"
)

// configSchema is unified with the raw YAML document before it is decoded
// into Go structs, so typos and type mismatches surface with field paths
// instead of as zero values deep in the runtime.
const configSchema = `
#Target: {
	value:     number
	duration?: string
}

#Targets: {
	max?:  #Target
	rest?: #Target
	min?:  #Target
}

#Config: {
	device?: {
		channels?:       int & >0
		max_amplitude?:  number & >=0
		amplitude_step?: number & >=0
		min_frequency?:  number & >0
		max_frequency?:  number & >0
	}
	defaults?: {
		channel?:   int & >=0
		frequency?: number & >0
		amplitude?: number & >=0
	}
	stimulation?: {
		live_updates?: bool
	}
	ramps?: {
		frequency?: #Targets
		amplitude?: #Targets
	}
	safety?: {
		rules?: [...string]
	}
	logging?: {
		level?:  string
		format?: "json" | "text" | ""
		loki?: {
			enabled?: bool
			url?:     string
			labels?: {[string]: string}
		}
	}
	telemetry?: {
		enabled?:  bool
		provider?: string
		listen?:   string
	}
	hot_reload?: bool
}
`

func validateSchema(path string, data []byte) error {
	ctx := cuecontext.New()
	schema := ctx.CompileString(configSchema)
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}
	definition := schema.LookupPath(cue.ParsePath("#Config"))
	if err := definition.Err(); err != nil {
		return fmt.Errorf("lookup config schema: %w", err)
	}
	file, err := cueyaml.Extract(path, data)
	if err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	document := ctx.BuildFile(file)
	if err := document.Err(); err != nil {
		return fmt.Errorf("build config %s: %w", path, err)
	}
	unified := definition.Unify(document)
	if err := unified.Validate(cue.Concrete(false)); err != nil {
		return fmt.Errorf("config %s violates schema: %w", path, err)
	}
	return nil
}
