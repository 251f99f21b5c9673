// SPDX-FileCopyrightText: 2023 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package node

import (
	"errors"
	"time"

	"github.com/dtn7/dtn7-clm/pkg/bpv7"
	"github.com/dtn7/dtn7-clm/pkg/storage"
)

// syncRecords writes the configured outducts, plans and embargoes into the
// store. Existing plans keep their throttle and flow state.
func syncRecords(store *storage.Store, conf Config, now time.Time) error {
	return store.Update(func(tx *storage.Txn) error {
		for _, oc := range conf.Outduct {
			od, err := tx.Outduct(oc.Name)
			if err != nil && !errors.Is(err, storage.ErrNotFound) {
				return err
			}

			od.Name = oc.Name
			od.Protocol = oc.Protocol
			od.Endpoint = oc.Endpoint
			od.MaxPayloadLength = oc.MaxPayload
			od.FecData = oc.FecData
			od.FecParity = oc.FecParity

			if err := tx.PutOutduct(od); err != nil {
				return err
			}
		}

		for _, pc := range conf.Plan {
			neighbor, err := bpv7.NewEndpointID(pc.Neighbor)
			if err != nil {
				return err
			}
			fresh := storage.NewPlanRecord(pc.Name, neighbor, pc.Outduct, pc.NominalRate)

			pr, err := tx.Plan(pc.Name)
			switch {
			case errors.Is(err, storage.ErrNotFound):
				pr = fresh

			case err != nil:
				return err

			default:
				pr.Neighbor = fresh.Neighbor
				pr.NodeNbr = fresh.NodeNbr
				pr.Outduct = fresh.Outduct
				pr.NominalRate = fresh.NominalRate
				if pr.NominalRate > 0 && pr.Capacity > int64(pr.NominalRate) {
					pr.Capacity = int64(pr.NominalRate)
				}
			}

			if err := tx.PutPlan(pr); err != nil {
				return err
			}
		}

		for _, ec := range conf.Embargo {
			if embargoed, err := tx.Embargoed(ec.Neighbor, ec.Destination); err != nil {
				return err
			} else if embargoed {
				continue
			}

			if err := tx.PutEmbargo(ec.Neighbor, ec.Destination, now); err != nil {
				return err
			}
		}
		return nil
	})
}
