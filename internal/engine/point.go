package engine

// Point is one sample of a stroke. Draw=false marks a pen lift, the origin of
// a new stroke. X and Y are in the sender's canvas space.
type Point struct {
	SequenceID   uint32
	X            float64
	Y            float64
	SourceWidth  float64
	SourceHeight float64
	Draw         bool
	Color        string
	LineWidth    uint32
	Eraser       bool
}

// ScaleFactor maps the sender canvas onto a dstW x dstH canvas, keeping the
// aspect ratio by taking the smaller of the two axis factors.
func (p Point) ScaleFactor(dstW, dstH float64) float64 {
	if p.SourceWidth <= 0 || p.SourceHeight <= 0 {
		return 1
	}
	return min(dstW/p.SourceWidth, dstH/p.SourceHeight)
}

func (p Point) Rescale(dstW, dstH float64) (x, y float64) {
	f := p.ScaleFactor(dstW, dstH)
	return p.X * f, p.Y * f
}
