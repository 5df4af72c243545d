package rrdstore

import (
	"bytes"
	"fmt"
	"image/color"
	"math"
	"time"

	"github.com/fogleman/gg"
)

const (
	graphWidth  = 640
	graphHeight = 260
	marginLeft  = 48
	marginRight = 16
	marginTop   = 24
	marginBot   = 28
)

// Render draws a 24-hour broadcast-rate / moving-average line chart and
// returns it PNG-encoded, standing in for the original's `rrdtool graph`
// invocation (worker.cpp generate_message embeds this image inline).
func (h *Handle) Render(title string) ([]byte, error) {
	bc, mav, err := h.fetchWindow(24 * time.Hour)
	if err != nil {
		return nil, err
	}

	dc := gg.NewContext(graphWidth, graphHeight)
	dc.SetColor(color.White)
	dc.Clear()

	dc.SetColor(color.Black)
	dc.DrawStringAnchored(title, graphWidth/2, 14, 0.5, 0.5)

	plotW := float64(graphWidth - marginLeft - marginRight)
	plotH := float64(graphHeight - marginTop - marginBot)

	maxVal := maxOf(bc.values, mav.values)
	if maxVal <= 0 {
		maxVal = 1
	}

	drawAxes(dc, plotW, plotH)
	drawSeries(dc, bc.values, plotW, plotH, maxVal, color.RGBA{R: 0xd9, G: 0x3b, B: 0x26, A: 0xff})
	drawSeries(dc, mav.values, plotW, plotH, maxVal, color.RGBA{R: 0x26, G: 0x6d, B: 0xd9, A: 0xff})

	var buf bytes.Buffer
	if err := dc.EncodePNG(&buf); err != nil {
		return nil, fmt.Errorf("encode graph png: %w", err)
	}
	return buf.Bytes(), nil
}

func drawAxes(dc *gg.Context, plotW, plotH float64) {
	dc.Push()
	dc.Translate(marginLeft, marginTop)
	dc.SetColor(color.Gray{Y: 0x99})
	dc.DrawLine(0, 0, 0, plotH)
	dc.DrawLine(0, plotH, plotW, plotH)
	dc.Stroke()
	dc.Pop()
}

func drawSeries(dc *gg.Context, values []float64, plotW, plotH, maxVal float64, c color.Color) {
	if len(values) < 2 {
		return
	}

	dc.Push()
	defer dc.Pop()
	dc.Translate(marginLeft, marginTop)
	dc.SetColor(c)
	dc.SetLineWidth(1.5)

	step := plotW / float64(len(values)-1)
	first := true
	for i, v := range values {
		if math.IsNaN(v) {
			first = true
			continue
		}
		x := float64(i) * step
		y := plotH - (v/maxVal)*plotH
		if first {
			dc.MoveTo(x, y)
			first = false
			continue
		}
		dc.LineTo(x, y)
	}
	dc.Stroke()
}

func maxOf(series ...[]float64) float64 {
	max := 0.0
	for _, s := range series {
		for _, v := range s {
			if !math.IsNaN(v) && v > max {
				max = v
			}
		}
	}
	return max
}
