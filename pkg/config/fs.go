package config

import "github.com/spf13/afero"

// fs is the filesystem used for reading and writing config files. Tests
// override it with afero.NewMemMapFs().
var fs = afero.NewOsFs()
