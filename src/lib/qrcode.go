package lib

import (
	"bytes"
	"encoding/base64"
	"log"

	"github.com/yeqown/go-qrcode"
)

// RenderQRCode encodes content as a JPEG QR code and returns it as a data URI
// that clients can drop straight into an <img> tag.
func RenderQRCode(content string) (string, error) {
	qrc, err := qrcode.New(content)
	if err != nil {
		log.Printf("[qrcode] Could not encode content: %s\n", err.Error())
		return "", err
	}
	var buf bytes.Buffer
	if err := qrc.SaveTo(&buf); err != nil {
		log.Printf("[qrcode] Could not render image: %s\n", err.Error())
		return "", err
	}
	return "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}
