package qr

import (
	"bytes"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/makiuchi-d/gozxing"
	"github.com/makiuchi-d/gozxing/qrcode"
)

// Decoder extracts a QR payload from raw image bytes. Implementations return
// an empty string when no code is present; decode failures are reported as
// errors and callers treat them as "no detection".
type Decoder interface {
	Decode(data []byte) (string, error)
}

// ZXingDecoder decodes QR codes with the gozxing reader.
type ZXingDecoder struct {
	reader gozxing.Reader
}

// NewDecoder returns a ready QR decoder.
func NewDecoder() *ZXingDecoder {
	return &ZXingDecoder{reader: qrcode.NewQRCodeReader()}
}

// Decode returns the decoded payload, or an empty string when the image
// carries no QR code.
func (d *ZXingDecoder) Decode(data []byte) (string, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return "", err
	}

	bmp, err := gozxing.NewBinaryBitmapFromImage(img)
	if err != nil {
		return "", err
	}

	result, err := d.reader.Decode(bmp, nil)
	if err != nil {
		// gozxing reports "NotFoundException" for clean images.
		return "", nil
	}
	return result.GetText(), nil
}
