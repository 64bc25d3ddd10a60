package server

import (
	"bytes"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/mjpeg-relay/pkg/types"
)

const (
	placeholderWidth   = 640
	placeholderHeight  = 480
	placeholderLineGap = 6
)

// Muted colour bars: white, yellow, cyan, green, magenta, red, blue, black
var placeholderBars = []color.RGBA{
	{R: 96, G: 96, B: 96, A: 255},
	{R: 96, G: 96, B: 0, A: 255},
	{R: 0, G: 96, B: 96, A: 255},
	{R: 0, G: 96, B: 0, A: 255},
	{R: 96, G: 0, B: 96, A: 255},
	{R: 96, G: 0, B: 0, A: 255},
	{R: 0, G: 0, B: 96, A: 255},
	{R: 0, G: 0, B: 0, A: 255},
}

// renderPlaceholder draws lines centred over a band of colour bars and
// encodes the result as JPEG.
func renderPlaceholder(lines ...string) ([]byte, error) {
	img := image.NewRGBA(image.Rect(0, 0, placeholderWidth, placeholderHeight))

	barWidth := placeholderWidth / len(placeholderBars)
	for i, c := range placeholderBars {
		r := image.Rect(i*barWidth, 0, (i+1)*barWidth, placeholderHeight)
		draw.Draw(img, r, image.NewUniform(c), image.Point{}, draw.Src)
	}

	face := basicfont.Face7x13
	lineHeight := face.Metrics().Height.Ceil() + placeholderLineGap
	blockHeight := lineHeight * len(lines)
	top := (placeholderHeight - blockHeight) / 2

	band := image.Rect(0, top-2*placeholderLineGap, placeholderWidth, top+blockHeight+placeholderLineGap)
	draw.Draw(img, band, image.NewUniform(color.Black), image.Point{}, draw.Src)

	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(color.White),
		Face: face,
	}
	for i, line := range lines {
		width := d.MeasureString(line)
		d.Dot = fixed.Point26_6{
			X: (fixed.I(placeholderWidth) - width) / 2,
			Y: fixed.I(top + i*lineHeight + face.Metrics().Ascent.Ceil()),
		}
		d.DrawString(line)
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 75}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// placeholderFrame wraps the rendered placeholder in the same framing as
// relayed frames.
func placeholderFrame(input string) (types.Frame, error) {
	data, err := renderPlaceholder("Waiting for stream", input)
	if err != nil {
		return types.Frame{}, err
	}
	return types.NewFrame(data), nil
}
