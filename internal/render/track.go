// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package render draws a track thumbnail: the path scaled to its bounding
// box with the current position printed underneath.
package render

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"math"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
	"golang.org/x/image/vector"

	"github.com/relabs-tech/gps_remote/internal/gps"
)

const (
	lineHeight = 13 // basicfont.Face7x13
	margin     = 4
	strokeW    = 1.5
)

// Track renders points into a w x h grayscale image. The bottom two text
// lines show the last position; the rest of the image holds the path.
func Track(points []gps.Position, w, h int) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, w, h))
	draw.Draw(img, img.Bounds(), image.Black, image.Point{}, draw.Src)

	drawer := &font.Drawer{
		Dst:  img,
		Src:  image.White,
		Face: basicfont.Face7x13,
	}

	if len(points) == 0 {
		drawer.Dot = fixed.P(margin, h/2)
		drawer.DrawString("Waiting...")
		return img
	}

	plot := image.Rect(margin, margin, w-margin, h-2*lineHeight-margin)
	if plot.Dx() > 0 && plot.Dy() > 0 {
		drawPath(img, plot, points)
	}

	last := points[len(points)-1]
	drawer.Dot = fixed.P(margin, h-lineHeight-margin/2)
	drawer.DrawString(formatLat(last.Latitude))
	drawer.Dot = fixed.P(margin, h-margin/2)
	drawer.DrawString(fmt.Sprintf("%s  n=%d", formatLon(last.Longitude), len(points)))
	return img
}

func formatLat(lat float64) string {
	dir := "N"
	if lat < 0 {
		dir = "S"
		lat = -lat
	}
	return fmt.Sprintf("%.6f%s", lat, dir)
}

func formatLon(lon float64) string {
	dir := "E"
	if lon < 0 {
		dir = "W"
		lon = -lon
	}
	return fmt.Sprintf("%.6f%s", lon, dir)
}

// projector maps coordinates into plot, keeping the aspect ratio of the
// bounding box. North is up.
type projector struct {
	minLat, minLon float64
	scale          float64
	offX, offY     float64
	plot           image.Rectangle
}

func newProjector(plot image.Rectangle, points []gps.Position) projector {
	minLat, maxLat := points[0].Latitude, points[0].Latitude
	minLon, maxLon := points[0].Longitude, points[0].Longitude
	for _, p := range points[1:] {
		minLat, maxLat = math.Min(minLat, p.Latitude), math.Max(maxLat, p.Latitude)
		minLon, maxLon = math.Min(minLon, p.Longitude), math.Max(maxLon, p.Longitude)
	}

	spanLat, spanLon := maxLat-minLat, maxLon-minLon
	scale := math.Inf(1)
	if spanLon > 0 {
		scale = float64(plot.Dx()-1) / spanLon
	}
	if spanLat > 0 {
		scale = math.Min(scale, float64(plot.Dy()-1)/spanLat)
	}
	if math.IsInf(scale, 1) {
		scale = 0 // a single distinct point
	}

	return projector{
		minLat: minLat,
		minLon: minLon,
		scale:  scale,
		offX:   (float64(plot.Dx()-1) - spanLon*scale) / 2,
		offY:   (float64(plot.Dy()-1) - spanLat*scale) / 2,
		plot:   plot,
	}
}

func (p projector) project(pos gps.Position) (x, y float32) {
	fx := float64(p.plot.Min.X) + p.offX + (pos.Longitude-p.minLon)*p.scale
	fy := float64(p.plot.Max.Y-1) - p.offY - (pos.Latitude-p.minLat)*p.scale
	return float32(fx) + 0.5, float32(fy) + 0.5
}

func drawPath(img *image.Gray, plot image.Rectangle, points []gps.Position) {
	proj := newProjector(plot, points)
	b := img.Bounds()
	r := vector.NewRasterizer(b.Dx(), b.Dy())

	for i := 1; i < len(points); i++ {
		x0, y0 := proj.project(points[i-1])
		x1, y1 := proj.project(points[i])
		segment(r, x0, y0, x1, y1)
	}
	x, y := proj.project(points[len(points)-1])
	square(r, x, y, 2.5)

	r.Draw(img, b, image.NewUniform(color.White), image.Point{})
}

// segment adds the segment as a thin quad to the rasterizer.
func segment(r *vector.Rasterizer, x0, y0, x1, y1 float32) {
	dx, dy := x1-x0, y1-y0
	length := float32(math.Hypot(float64(dx), float64(dy)))
	if length == 0 {
		return
	}
	nx, ny := -dy/length*strokeW/2, dx/length*strokeW/2

	r.MoveTo(x0+nx, y0+ny)
	r.LineTo(x1+nx, y1+ny)
	r.LineTo(x1-nx, y1-ny)
	r.LineTo(x0-nx, y0-ny)
	r.ClosePath()
}

func square(r *vector.Rasterizer, x, y, half float32) {
	r.MoveTo(x-half, y-half)
	r.LineTo(x+half, y-half)
	r.LineTo(x+half, y+half)
	r.LineTo(x-half, y+half)
	r.ClosePath()
}
