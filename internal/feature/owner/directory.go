package owner

import (
	"context"
	"slices"

	"github.com/sirupsen/logrus"

	"tg_vpn_shop_bot/internal/logging"
)

type adminLister interface {
	ListAdminIDs(ctx context.Context) ([]int64, error)
}

// Directory answers who the admins are: the owner, the configured ADMIN_IDS
// and every user stored with an admin role.
type Directory struct {
	ownerID int64
	static  []int64
	users   adminLister
	logger  *logrus.Entry
}

// NewDirectory builds a Directory. users may be nil.
func NewDirectory(ownerID int64, adminIDs []int64, users adminLister, logger *logrus.Entry) *Directory {
	if logger == nil {
		logger = logging.Logger()
	}
	return &Directory{ownerID: ownerID, static: slices.Clone(adminIDs), users: users, logger: logger}
}

// AdminIDs returns the sorted, de-duplicated admin ids. When the database
// lookup fails the owner and ADMIN_IDS are still returned.
func (d *Directory) AdminIDs(ctx context.Context) ([]int64, error) {
	ids := make([]int64, 0, len(d.static)+1)
	if d.ownerID != 0 {
		ids = append(ids, d.ownerID)
	}
	ids = append(ids, d.static...)

	if d.users != nil {
		stored, err := d.users.ListAdminIDs(ctx)
		if err != nil {
			d.logger.WithFields(logging.Fields{
				"event": "admin_lookup_failed",
				"error": err.Error(),
			}).Warn("falling back to configured admins")
		} else {
			ids = append(ids, stored...)
		}
	}

	slices.Sort(ids)
	return slices.Compact(ids), nil
}

// IsAdmin reports whether userID is an admin.
func (d *Directory) IsAdmin(ctx context.Context, userID int64) bool {
	if userID == 0 {
		return false
	}
	if userID == d.ownerID || slices.Contains(d.static, userID) {
		return true
	}
	ids, _ := d.AdminIDs(ctx)
	_, found := slices.BinarySearch(ids, userID)
	return found
}

// IsOwner reports whether userID is the configured owner.
func (d *Directory) IsOwner(userID int64) bool {
	return userID != 0 && userID == d.ownerID
}
