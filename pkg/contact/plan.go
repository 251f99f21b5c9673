// SPDX-FileCopyrightText: 2023 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package contact

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/hashicorp/go-multierror"

	"github.com/dtn7/dtn7-clm/pkg/storage"
)

// planConf is the TOML representation of a contact plan file.
type planConf struct {
	Contact []contactConf
}

// contactConf is one [[contact]] of a contact plan. Start and End are either
// RFC 3339 timestamps or durations prefixed by "+", relative to loading time.
type contactConf struct {
	From  uint64
	To    uint64
	Start string
	End   string
	Rate  uint64
}

func parsePlanTime(s string, now time.Time) (time.Time, error) {
	if strings.HasPrefix(s, "+") {
		d, err := time.ParseDuration(s[1:])
		if err != nil {
			return time.Time{}, err
		}
		return now.Add(d), nil
	}
	return time.Parse(time.RFC3339, s)
}

func (cc contactConf) record(now time.Time) (cr storage.ContactRecord, errs error) {
	cr = storage.ContactRecord{From: cc.From, To: cc.To, Rate: cc.Rate}

	if cc.From == 0 || cc.To == 0 {
		errs = multierror.Append(errs, fmt.Errorf("node numbers must be >= 1"))
	}

	var err error
	if cr.Start, err = parsePlanTime(cc.Start, now); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("start: %w", err))
	}
	if cr.End, err = parsePlanTime(cc.End, now); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("end: %w", err))
	}
	if errs == nil && !cr.End.After(cr.Start) {
		errs = multierror.Append(errs, fmt.Errorf("end %v is not after start %v", cr.End, cr.Start))
	}
	return
}

// ParsePlan reads a TOML contact plan. Relative times refer to now.
func ParsePlan(data string, now time.Time) (crs []storage.ContactRecord, err error) {
	var conf planConf
	if _, err = toml.Decode(data, &conf); err != nil {
		return
	}

	for i, cc := range conf.Contact {
		cr, crErr := cc.record(now)
		if crErr != nil {
			err = fmt.Errorf("contact %d: %w", i, crErr)
			return
		}
		crs = append(crs, cr)
	}
	return
}

// LoadPlan reads a TOML contact plan file and replaces all contact records of
// the Store with its contacts in one transaction.
func LoadPlan(store *storage.Store, file string, now time.Time) (n int, err error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return
	}

	crs, err := ParsePlan(string(data), now)
	if err != nil {
		err = fmt.Errorf("%s: %w", file, err)
		return
	}

	err = store.Update(func(tx *storage.Txn) error {
		return tx.ReplaceContacts(crs)
	})
	n = len(crs)
	return
}
