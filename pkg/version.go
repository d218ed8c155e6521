package pkg

import "fmt"

var (
	// These variables are here only to show current version. They are set in makefile during build process
	ResharderVersion         = "devel"
	GitRevision              = "devel"
	ResharderVersionRevision = fmt.Sprintf("%s-%s", ResharderVersion, GitRevision)
)
