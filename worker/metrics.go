// Copyright 2024 The taskmesh Authors
// This file is part of the taskmesh library.
//
// The taskmesh library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The taskmesh library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the taskmesh library. If not, see <http://www.gnu.org/licenses/>.

package worker

import "github.com/ethereum/go-ethereum/metrics"

var (
	tasksExecutedMeter   = metrics.NewRegisteredMeter("worker/tasks/executed", nil)
	tasksFailedMeter     = metrics.NewRegisteredMeter("worker/tasks/failed", nil)
	depsFetchedMeter     = metrics.NewRegisteredMeter("worker/deps/fetched", nil)
	depsMissingMeter     = metrics.NewRegisteredMeter("worker/deps/missing", nil)
	badDepMeter          = metrics.NewRegisteredMeter("worker/deps/bad", nil)
	readyQueueGauge      = metrics.NewRegisteredGauge("worker/queue/ready", nil)
	dataNeededGauge      = metrics.NewRegisteredGauge("worker/queue/data_needed", nil)
	inFlightWorkersGauge = metrics.NewRegisteredGauge("worker/connections/in_flight", nil)
	executeTimer         = metrics.NewRegisteredTimer("worker/execute/duration", nil)
)
