// Package migrations provides the embedded SQL migration files for the
// upload and payment databases.
package migrations

import (
	"embed"
	"io/fs"
)

//go:embed upload/*.sql
var uploadFiles embed.FS

//go:embed payment/*.sql
var paymentFiles embed.FS

// Upload returns the migration files for the upload_service database.
func Upload() fs.FS {
	sub, err := fs.Sub(uploadFiles, "upload")
	if err != nil {
		panic(err)
	}
	return sub
}

// Payment returns the migration files for the payment_service database.
func Payment() fs.FS {
	sub, err := fs.Sub(paymentFiles, "payment")
	if err != nil {
		panic(err)
	}
	return sub
}
