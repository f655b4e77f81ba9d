/*
 * Copyright (c) 2022 Cisco and/or its affiliates.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at:
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package relay exposes an RTSP camera to local clients while answering the
// camera's RTCP Sender Reports with Receiver Reports, so cameras that drop
// silent receivers keep streaming.
package relay

// ProxyUDPWithRTCP starts a relay for cameraURL and returns it with the bound TCP port.
// Clients connect to rtsp://<listen host>:<port>/ and the caller owns Close.
func ProxyUDPWithRTCP(cameraURL string, opts ...Option) (*Server, int, error) {
	opts = append(opts, UseCameraURL(cameraURL))

	srv, err := NewServer(opts...)
	if err != nil {
		return nil, 0, err
	}

	port, err := srv.Start()
	if err != nil {
		srv.Close()
		return nil, 0, err
	}
	return srv, port, nil
}
