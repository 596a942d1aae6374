package worker

import (
	"fmt"

	"github.com/shellgate/shellgate/internal/cache"
)

// Generation 是一个版本对应的缓存代际，名称为 <prefix>-<version>。
type Generation struct {
	Prefix  string
	Version string
	Name    string
}

// NewGeneration 拼接并校验代际名称。
func NewGeneration(prefix, version string) (Generation, error) {
	name := cache.GenerationName(prefix, version)
	if prefix == "" || version == "" || !cache.ValidGenerationName(name) {
		return Generation{}, fmt.Errorf("%w: %q", cache.ErrInvalidGeneration, name)
	}
	return Generation{Prefix: prefix, Version: version, Name: name}, nil
}

func (g Generation) String() string {
	return g.Name
}
