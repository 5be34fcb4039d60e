package identity

import (
	"errors"
	"sort"
	"sync"

	"github.com/opd-ai/obvcore/crypto"
	"github.com/sirupsen/logrus"
)

var (
	// ErrUnknownOwnedIdentity is returned for identities not registered as owned.
	ErrUnknownOwnedIdentity = errors.New("unknown owned identity")
	// ErrUnknownContact is returned for contacts the owned identity does not know.
	ErrUnknownContact = errors.New("unknown contact identity")
)

type contactEntry struct {
	identity Identity
	devices  map[crypto.UID]struct{}
}

// Directory keeps owned identities and their contacts in memory. It is the
// default identity capability handed to protocol steps. It is safe for
// concurrent use.
type Directory struct {
	mu       sync.RWMutex
	owned    map[crypto.UID]*OwnedIdentity
	contacts map[crypto.UID]map[crypto.UID]*contactEntry
}

// NewDirectory returns an empty directory.
func NewDirectory() *Directory {
	return &Directory{
		owned:    make(map[crypto.UID]*OwnedIdentity),
		contacts: make(map[crypto.UID]map[crypto.UID]*contactEntry),
	}
}

// AddOwned registers an owned identity.
func (d *Directory) AddOwned(o *OwnedIdentity) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.owned[o.ID()] = o
	if d.contacts[o.ID()] == nil {
		d.contacts[o.ID()] = make(map[crypto.UID]*contactEntry)
	}
}

// Owned returns the owned identity with the given id.
func (d *Directory) Owned(id crypto.UID) (*OwnedIdentity, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	o, ok := d.owned[id]
	if !ok {
		return nil, ErrUnknownOwnedIdentity
	}
	return o, nil
}

// OwnedIDs lists the owned identity ids in a stable order.
func (d *Directory) OwnedIDs() []crypto.UID {
	d.mu.RLock()
	defer d.mu.RUnlock()
	ids := make([]crypto.UID, 0, len(d.owned))
	for id := range d.owned {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].Less(ids[j]) })
	return ids
}

// AddContact records contact as known to owned, with optional known devices.
func (d *Directory) AddContact(owned crypto.UID, contact Identity, devices ...crypto.UID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	cs, ok := d.contacts[owned]
	if !ok {
		return ErrUnknownOwnedIdentity
	}
	e, ok := cs[contact.ID()]
	if !ok {
		e = &contactEntry{identity: contact, devices: make(map[crypto.UID]struct{})}
		cs[contact.ID()] = e
	}
	for _, dev := range devices {
		e.devices[dev] = struct{}{}
	}
	return nil
}

// Contact returns a contact of owned.
func (d *Directory) Contact(owned, contact crypto.UID) (Identity, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	e, err := d.entry(owned, contact)
	if err != nil {
		return Identity{}, err
	}
	return e.identity, nil
}

func (d *Directory) entry(owned, contact crypto.UID) (*contactEntry, error) {
	cs, ok := d.contacts[owned]
	if !ok {
		return nil, ErrUnknownOwnedIdentity
	}
	e, ok := cs[contact]
	if !ok {
		return nil, ErrUnknownContact
	}
	return e, nil
}

// ContactDevices lists the known devices of a contact in a stable order.
func (d *Directory) ContactDevices(owned, contact crypto.UID) ([]crypto.UID, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	e, err := d.entry(owned, contact)
	if err != nil {
		return nil, err
	}
	out := make([]crypto.UID, 0, len(e.devices))
	for dev := range e.devices {
		out = append(out, dev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out, nil
}

// SetContactDevices replaces the device list of a contact and returns the
// devices that were not known before.
func (d *Directory) SetContactDevices(owned, contact crypto.UID, devices []crypto.UID) ([]crypto.UID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, err := d.entry(owned, contact)
	if err != nil {
		return nil, err
	}
	next := make(map[crypto.UID]struct{}, len(devices))
	var added []crypto.UID
	for _, dev := range devices {
		if _, ok := e.devices[dev]; !ok {
			added = append(added, dev)
		}
		next[dev] = struct{}{}
	}
	e.devices = next
	sort.Slice(added, func(i, j int) bool { return added[i].Less(added[j]) })

	logrus.WithFields(logrus.Fields{
		"function": "SetContactDevices",
		"package":  "identity",
		"owned":    owned.Short(),
		"contact":  contact.Short(),
		"devices":  len(devices),
		"added":    len(added),
	}).Debug("Contact devices updated")
	return added, nil
}

// CurrentDevice returns the local device UID of an owned identity.
func (d *Directory) CurrentDevice(owned crypto.UID) (crypto.UID, error) {
	o, err := d.Owned(owned)
	if err != nil {
		return crypto.UID{}, err
	}
	return o.CurrentDevice, nil
}
