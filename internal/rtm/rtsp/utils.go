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

package rtsp

import (
	"bufio"
	"bytes"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"

	"github.com/aler9/gortsplib/pkg/base"
	"github.com/pkg/errors"
)

const (
	_RTSP_PROTO = "RTSP/1.0"

	maxInterleavedLen = 65535
)

var rtspStatusText = map[base.StatusCode]string{
	451: "Parameter Not Understood",
	454: "Session Not Found",
	455: "Method Not Valid In This State",
	459: "Aggregate Operation Not Allowed",
	461: "Unsupported Transport",
}

func statusText(code base.StatusCode) string {
	if t, ok := rtspStatusText[code]; ok {
		return t
	}
	return http.StatusText(int(code))
}

func writeRequest(bw *bufio.Writer, req *base.Request) error {
	_, err := bw.WriteString(string(req.Method) + " " + (*url.URL)(req.URL).String() + " " + _RTSP_PROTO + "\r\n")
	if err != nil {
		return err
	}

	err = writeHeader(bw, req.Header, len(req.Body))
	if err != nil {
		return err
	}

	_, err = bw.Write(req.Body)
	if err != nil {
		return err
	}

	return bw.Flush()
}

func writeResponse(bw *bufio.Writer, res *base.Response) error {
	msg := res.StatusMessage
	if msg == "" {
		msg = statusText(res.StatusCode)
	}

	_, err := bw.WriteString(_RTSP_PROTO + " " + strconv.Itoa(int(res.StatusCode)) + " " + msg + "\r\n")
	if err != nil {
		return err
	}

	err = writeHeader(bw, res.Header, len(res.Body))
	if err != nil {
		return err
	}

	_, err = bw.Write(res.Body)
	if err != nil {
		return err
	}

	return bw.Flush()
}

func writeHeader(bw *bufio.Writer, h base.Header, bodyLen int) error {
	// sort headers by key
	// in order to obtain deterministic results
	keys := make([]string, 0, len(h)+1)
	for key := range h {
		if key == "Content-Length" {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		for _, val := range h[key] {
			if _, err := bw.WriteString(key + ": " + val + "\r\n"); err != nil {
				return err
			}
		}
	}

	if bodyLen > 0 {
		if _, err := bw.WriteString("Content-Length: " + strconv.Itoa(bodyLen) + "\r\n"); err != nil {
			return err
		}
	}

	_, err := bw.WriteString("\r\n")
	return err
}

// writeInterleaved sends one '$' frame and flushes it.
func writeInterleaved(bw *bufio.Writer, bb *bytes.Buffer, channel int, payload []byte) error {
	if len(payload) > maxInterleavedLen {
		return errors.Errorf("interleaved payload of %d bytes is too large", len(payload))
	}

	base.InterleavedFrame{
		Channel: channel,
		Payload: payload,
	}.Write(bb)

	if _, err := bw.Write(bb.Bytes()); err != nil {
		return err
	}
	return bw.Flush()
}

// readResponse reads the next response, dropping interleaved frames in between.
func readResponse(br *bufio.Reader) (*base.Response, error) {
	res := &base.Response{}
	if err := res.ReadIgnoreFrames(maxInterleavedLen, br); err != nil {
		return nil, err
	}
	return res, nil
}

// readRequest reads the next request, dropping interleaved frames in between.
func readRequest(br *bufio.Reader) (*base.Request, error) {
	req := &base.Request{}
	if err := req.ReadIgnoreFrames(maxInterleavedLen, br); err != nil {
		return nil, err
	}
	return req, nil
}

func getSessionID(header base.Header) string {
	if h, ok := header["Session"]; ok && len(h) == 1 {
		return h[0]
	}
	return ""
}

func isEOF(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}

func urlString(u *base.URL) string {
	return (*url.URL)(u).String()
}
