// Package web embeds the kiosk and admin dashboard pages.
package web

import _ "embed"

//go:embed kiosk.html
var KioskPage []byte

//go:embed admin.html
var AdminPage []byte
