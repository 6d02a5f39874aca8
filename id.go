package jobq

import "github.com/xraph/jobq/id"

// ID is the identifier type shared by all jobq entities.
type ID = id.ID
