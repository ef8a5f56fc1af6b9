// Package all registers every probeable backend format.
package all

import (
	_ "github.com/packlab/packfs/backend/dir"   // register dir format
	_ "github.com/packlab/packfs/backend/sqlar" // register sqlar format
	_ "github.com/packlab/packfs/backend/zip"   // register zip format
)
