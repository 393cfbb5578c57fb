/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

// Package coredata coordinates units of work over a store.
//
// A Manager owns one store, one long-lived main context and any number of
// short-lived worker contexts. Mutations are collected in a context and
// written in one transaction when the context is saved. A successful worker
// save is merged into the main context and observers are notified.
//
// Two goroutines back every Manager:
//
//   - the writer, which performs physical writes one at a time in FIFO order;
//   - the main queue, a single consumer on which merges into the main
//     context, observer callbacks and completions run.
//
// With the background writer disabled the same steps run inline on the
// calling goroutine.
//
// Failures never panic across the API. Every operation returns a *Future
// carrying its error, and the optional failure handler is called exactly once
// per failed operation.
//
// Both queues are unbounded, so code on the main queue may start further
// saves or operations without waiting for the writer.
//
// Do not block on a Future from code running on the main queue (observers,
// completions, Perform callbacks) while the background writer is enabled:
// the future is resolved by that same queue.
package coredata
