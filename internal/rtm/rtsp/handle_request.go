/*
 * Copyright (c) 2022-2022 Cisco and/or its affiliates.
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
	"strings"

	"github.com/aler9/gortsplib/pkg/base"
	"github.com/aler9/gortsplib/pkg/liberrors"
)

const statusMethodNotValidInThisState base.StatusCode = 455

// requestState tells the caller of handleRequest how the exchange moved the session.
type requestState int

const (
	stateContinue requestState = iota
	statePlay
	stateTeardown
)

func (s *ServerConn) handleRequest(req *base.Request) (*base.Response, requestState) {
	var res *base.Response
	var state = stateContinue
	var ok bool
	var cSeq base.HeaderValue

	if cSeq, ok = req.Header["CSeq"]; !ok || len(cSeq) != 1 {
		s.logError("%s", liberrors.ErrServerCSeqMissing{})

		return &base.Response{
			StatusCode: base.StatusBadRequest,
			Header:     base.Header{},
		}, stateContinue
	}

	sxID := getSessionID(req.Header)
	if n := strings.Index(sxID, ";"); n >= 0 {
		sxID = sxID[:n]
	}

	switch req.Method {
	case base.Options:
		res = s.OnOptions(req)
	case base.Describe:
		res = s.OnDescribe(req)
	case base.Setup:
		res = s.OnSetup(req, sxID)
	case base.Play:
		if s.validSession(sxID) {
			res, state = s.OnPlay(req)
		} else {
			res = s.invalidState(req, sxID)
		}
	case base.Teardown:
		// a client may teardown before it ever got a session
		res, state = s.OnTeardown(req)
	case base.GetParameter, base.SetParameter:
		if s.validSession(sxID) {
			res = s.OnParameter(req)
		} else {
			res = s.invalidState(req, sxID)
		}

	default:
		s.logError("%s", liberrors.ErrServerUnhandledRequest{Request: req})
		res = &base.Response{
			StatusCode: base.StatusNotImplemented,
			Header:     base.Header{},
		}
	}

	if res.Header == nil {
		res.Header = base.Header{}
	}
	_, hasSession := res.Header["Session"]
	if !hasSession && s.session != "" && req.Method != base.Options && req.Method != base.Describe {
		res.Header["Session"] = base.HeaderValue{s.session}
	}

	// reflect back the cSeq
	res.Header["CSeq"] = cSeq
	s.log("[s->c] %s %d", req.Method, res.StatusCode)
	return res, state
}

func (s *ServerConn) validSession(id string) bool {
	return id != "" && id == s.session
}

func (s *ServerConn) invalidState(req *base.Request, id string) *base.Response {
	if id != "" && id != s.session {
		s.logError("unknown session '%s' in %s", id, req.Method)
		return &base.Response{StatusCode: base.StatusSessionNotFound}
	}
	s.logError("%s: %s", req.Method, liberrors.ErrServerInvalidState{})
	return &base.Response{StatusCode: statusMethodNotValidInThisState}
}
