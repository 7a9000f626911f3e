package core

import "github.com/dkeye/callsession/internal/domain"

// SurfaceHandle names a rendering surface owned by the rendering layer.
type SurfaceHandle string

// SurfaceResolver reports whether a surface currently exists.
type SurfaceResolver interface {
	Available(h SurfaceHandle) bool
}

// TileRenderer attaches tile streams to surfaces.
type TileRenderer interface {
	BindVideoTile(tileID domain.TileID, surface SurfaceHandle) error
	UnbindVideoTile(tileID domain.TileID) error
}
