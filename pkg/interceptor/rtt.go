// Copyright 2023 LiveKit, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package interceptor holds pion interceptors used by the session peer connections.
package interceptor

import (
	"math"
	"sync"

	"github.com/livekit/mediatransportutil"
	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
)

// rttGain is the weight of a new sample in the smoothed estimate.
const rttGain = 1.0 / 8

// RTTInterceptorFactory builds one RTT estimator per peer connection.
type RTTInterceptorFactory struct {
	onRTT func(rtt uint32)
}

// NewRTTInterceptorFactory reports smoothed round trip times in milliseconds to onRTT.
func NewRTTInterceptorFactory(onRTT func(rtt uint32)) *RTTInterceptorFactory {
	return &RTTInterceptorFactory{onRTT: onRTT}
}

func (f *RTTInterceptorFactory) NewInterceptor(_ string) (interceptor.Interceptor, error) {
	return &RTTInterceptor{onRTT: f.onRTT}, nil
}

// RTTInterceptor estimates round trip time from the reception reports the remote sends about our
// outgoing streams, carried in either receiver or sender reports. Samples are smoothed so a single
// late report does not swing the gauge.
type RTTInterceptor struct {
	interceptor.NoOp

	onRTT func(rtt uint32)

	lock     sync.Mutex
	smoothed float64
}

func (r *RTTInterceptor) BindRTCPReader(reader interceptor.RTCPReader) interceptor.RTCPReader {
	return interceptor.RTCPReaderFunc(func(b []byte, a interceptor.Attributes) (int, interceptor.Attributes, error) {
		n, attr, err := reader.Read(b, a)
		if err != nil {
			return 0, nil, err
		}
		if attr == nil {
			attr = make(interceptor.Attributes)
		}
		pkts, err := attr.GetRTCPPackets(b[:n])
		if err != nil {
			return 0, nil, err
		}

		samples := rttSamples(pkts)
		if len(samples) > 0 {
			r.onRTT(r.observe(samples))
		}
		return n, attr, nil
	})
}

// observe folds the samples of one compound packet into the estimate and returns it.
func (r *RTTInterceptor) observe(samples []uint32) uint32 {
	r.lock.Lock()
	defer r.lock.Unlock()
	for _, s := range samples {
		if r.smoothed == 0 {
			r.smoothed = float64(s)
			continue
		}
		r.smoothed += rttGain * (float64(s) - r.smoothed)
	}
	return uint32(math.Round(r.smoothed))
}

func rttSamples(pkts []rtcp.Packet) []uint32 {
	var samples []uint32
	add := func(reports []rtcp.ReceptionReport) {
		for i := range reports {
			rtt, err := mediatransportutil.GetRttMsFromReceiverReportOnly(&reports[i])
			if err == nil && rtt != 0 {
				samples = append(samples, rtt)
			}
		}
	}
	for _, packet := range pkts {
		switch p := packet.(type) {
		case *rtcp.ReceiverReport:
			add(p.Reports)
		case *rtcp.SenderReport:
			add(p.Reports)
		}
	}
	return samples
}
