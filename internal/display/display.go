// Package display implements the Display surface: a named surface owning
// a framebuffer and the damage region a producer has submitted against it.
// A Display is the producer side of the pipeline; internal/rfbserver
// merges damage across every live Display into one Composite FB before it
// reaches the compositor.
package display

import (
	"sync"

	"github.com/gorfb/gorfbd/internal/fb"
	"github.com/gorfb/gorfbd/internal/region"
)

// SubmitFunc is invoked every time a producer submits a new frame, letting
// the owning server recompute its merged Composite FB without the Display
// needing to know anything about sibling displays or connected clients.
type SubmitFunc func(d *Display)

// Display is one named surface at a fixed position within the server's
// logical screen layout.
type Display struct {
	Name       string
	XPos, YPos int

	mu      sync.Mutex
	current *fb.Framebuffer
	damage  *region.Region

	cursor     *fb.Framebuffer
	cursorHotX int
	cursorHotY int
	cursorSeq  uint32

	onSubmit    SubmitFunc
	onCursorSet SubmitFunc
}

// New creates an empty Display at the given position. It has no
// framebuffer until the first Submit.
func New(name string, xPos, yPos int) *Display {
	return &Display{
		Name:   name,
		XPos:   xPos,
		YPos:   yPos,
		damage: region.New(),
	}
}

// OnSubmit registers the callback fired after every Submit. Only the
// owning server should call this, once, at registration time.
func (d *Display) OnSubmit(f SubmitFunc) {
	d.mu.Lock()
	d.onSubmit = f
	d.mu.Unlock()
}

// Submit is how a producer drives the display: it hands over a new
// framebuffer (taking ownership of the caller's reference) and the region
// that changed since the last submission, expressed in the framebuffer's
// own logical coordinates.
func (d *Display) Submit(buf *fb.Framebuffer, damage *region.Region) {
	d.mu.Lock()
	old := d.current
	d.current = buf
	d.damage.Union(damage)
	cb := d.onSubmit
	d.mu.Unlock()

	if old != nil {
		old.Unref()
	}
	if cb != nil {
		cb(d)
	}
}

// OnCursorSet registers the callback fired after every SetCursor. Only the
// owning server should call this, once, at registration time.
func (d *Display) OnCursorSet(f SubmitFunc) {
	d.mu.Lock()
	d.onCursorSet = f
	d.mu.Unlock()
}

// SetCursor installs a new ARGB cursor image and hotspot, bumping the
// cursor sequence number so sessions that already sent the current one
// know to resend it. A producer owns
// exactly one pointer image per Display it drives; the server decides
// which display's cursor is authoritative server-wide.
func (d *Display) SetCursor(buf *fb.Framebuffer, hotX, hotY int) {
	d.mu.Lock()
	old := d.cursor
	d.cursor = buf
	d.cursorHotX = hotX
	d.cursorHotY = hotY
	d.cursorSeq++
	cb := d.onCursorSet
	d.mu.Unlock()
	if old != nil {
		old.Unref()
	}
	if cb != nil {
		cb(d)
	}
}

// Cursor returns the current cursor buffer (unreferenced; callers that
// need to hold it across a yield must Ref it themselves), hotspot, and
// sequence number.
func (d *Display) Cursor() (buf *fb.Framebuffer, hotX, hotY int, seq uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cursor, d.cursorHotX, d.cursorHotY, d.cursorSeq
}

// Placement returns the display's current framebuffer as a fb.Placed ready
// to fold into a Composite FB, or ok=false if nothing has been submitted
// yet. The returned FB is Ref'd for the caller.
func (d *Display) Placement() (placed fb.Placed, ok bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.current == nil {
		return fb.Placed{}, false
	}
	return fb.Placed{FB: d.current.Ref(), XOff: d.XPos, YOff: d.YPos}, true
}

// TakeDamage returns the damage accumulated since the last TakeDamage call
// and clears it, in the display's own logical coordinates. The caller
// (the server) is responsible for translating it into composite-wide
// coordinates by offsetting by (XPos, YPos).
func (d *Display) TakeDamage() *region.Region {
	d.mu.Lock()
	defer d.mu.Unlock()
	taken := d.damage
	d.damage = region.New()
	return taken
}

// Close releases the display's current framebuffer and cursor, if any.
func (d *Display) Close() {
	d.mu.Lock()
	cur, cursor := d.current, d.cursor
	d.current, d.cursor = nil, nil
	d.mu.Unlock()
	if cur != nil {
		cur.Unref()
	}
	if cursor != nil {
		cursor.Unref()
	}
}
