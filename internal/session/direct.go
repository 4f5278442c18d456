package session

import (
	"github.com/lanikai/dewarp/internal/device"
	"github.com/lanikai/dewarp/internal/output"
)

// onTargetChange reacts to registry updates. In correction mode the pipeline
// reads the registry on every pass, so only released window surfaces need
// attention. In direct mode targets are added to and removed from the live
// session when possible.
func (c *Controller) onTargetChange(ch output.Change) {
	switch c.State() {
	case Open:
		// Idle for lack of targets; a new one is worth a configuration.
		if ch.New != nil && c.dev != nil {
			c.configure(false)
		}
		return
	case Configuring:
		// The configuration in flight may have read the registry before this
		// change. In direct mode its surfaces are the targets themselves, so
		// follow it with another one.
		if !c.correction.Load() {
			if ch.New != nil || c.inFlight(ch.Old) {
				c.configure(false)
			}
		} else if ch.Old != nil && c.pipeline != nil {
			c.pipeline.Forget(ch.Old)
		}
		return
	case Active:
	default:
		return
	}

	if c.correction.Load() {
		if ch.Old != nil && c.pipeline != nil {
			c.pipeline.Forget(ch.Old)
		}
		return
	}

	if ch.Old != nil {
		c.removeDirect(ch.Name, ch.Old)
	}
	if ch.New != nil {
		c.addDirect(ch.Name, ch.New)
	}
}

// inFlight reports whether the session being configured targets s.
func (c *Controller) inFlight(s device.Surface) bool {
	if c.cur == nil {
		return false
	}
	for _, t := range c.cur.targets {
		if t.Surface == s {
			return true
		}
	}
	return false
}

// addDirect attaches s to the active session and adds it to the repeating
// request. Any failure undoes the attach and falls back to a full
// configuration.
func (c *Controller) addDirect(name output.Name, s device.Surface) {
	cs := c.cur
	if cs == nil || cs.session == nil || cs.closed {
		return
	}
	for _, t := range cs.targets {
		if t.Surface == s {
			return
		}
	}
	if !s.Valid() {
		c.pruneInvalid()
		return
	}

	sess := cs.session
	fallback := func(step string, err error) {
		log.Warn("%s: incremental add of %s failed at %s: %v", c.cfg.DeviceID, name, step, err)
		if derr := sess.DetachSurface(s); derr != nil {
			log.Debug("%s: detach %s: %v", c.cfg.DeviceID, name, derr)
		}
		c.configure(false)
	}

	if err := sess.AttachSurface(s); err != nil {
		fallback("attach", err)
		return
	}
	if err := sess.Finalize(s); err != nil {
		fallback("finalize", err)
		return
	}

	var targets []output.Target
	for _, t := range cs.targets {
		if t.Name != name {
			targets = append(targets, t)
		}
	}
	targets = append(targets, output.Target{Name: name, Surface: s})
	prev := cs.surfaces
	cs.surfaces = surfacesOf(targets)

	if cs.streaming {
		if err := c.startRepeating(cs); err != nil {
			cs.surfaces = prev
			fallback("resubmit", err)
			return
		}
	}
	cs.targets = targets
	log.Info("%s: added %s to session %s", c.cfg.DeviceID, name, cs.id)
}

// removeDirect stops delivering to s before detaching it, so nothing writes to
// a surface that is about to be destroyed.
func (c *Controller) removeDirect(name output.Name, s device.Surface) {
	cs := c.cur
	if cs == nil || cs.session == nil || cs.closed {
		return
	}
	idx := -1
	for i, t := range cs.targets {
		if t.Surface == s {
			idx = i
			break
		}
	}
	if idx < 0 {
		return
	}

	targets := append(append([]output.Target(nil), cs.targets[:idx]...), cs.targets[idx+1:]...)
	if len(targets) == 0 {
		// Nothing left to stream to.
		c.configure(false)
		return
	}

	prev := cs.surfaces
	cs.surfaces = surfacesOf(targets)
	if cs.streaming {
		if err := c.startRepeating(cs); err != nil {
			log.Warn("%s: incremental remove of %s failed: %v", c.cfg.DeviceID, name, err)
			cs.surfaces = prev
			c.configure(false)
			return
		}
	}
	cs.targets = targets

	if err := cs.session.DetachSurface(s); err != nil {
		log.Debug("%s: detach %s: %v", c.cfg.DeviceID, name, err)
	}
	log.Info("%s: removed %s from session %s", c.cfg.DeviceID, name, cs.id)
}
