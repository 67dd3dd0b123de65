package assets

import _ "embed"

// Browser snippets compiled into the binary.

// MetaPixelJS bootstraps fbq and loads fbevents.js.
//
//go:embed meta_pixel.js
var MetaPixelJS []byte

// GtagJS bootstraps gtag for the tag id in its single %q placeholder.
//
//go:embed gtag.js
var GtagJS []byte

// BridgeJS runs on the host page and answers parent-url requests from
// embedded forms.
//
//go:embed bridge.js
var BridgeJS []byte
