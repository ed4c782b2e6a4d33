package domscripts

import "fmt"

// clickByTextTemplate clicks the first visible button whose trimmed label
// matches the given text. Falls back to a substring match before giving up.
// Returns {"ok": bool, "method": "exact"|"substring"|""}.
const clickByTextTemplate = `
(function() {
  const want = %s;
  function visible(el) {
    const r = el.getBoundingClientRect();
    if (r.width < 2 || r.height < 2) return false;
    const s = getComputedStyle(el);
    return s.display !== 'none' && s.visibility !== 'hidden';
  }
  const buttons = document.querySelectorAll('button, [role="button"]');
  for (const b of buttons) {
    if (!visible(b)) continue;
    if ((b.innerText || '').trim() === want) {
      b.click();
      return { ok: true, method: 'exact' };
    }
  }
  const lower = want.toLowerCase();
  for (const b of buttons) {
    if (!visible(b)) continue;
    if ((b.innerText || '').trim().toLowerCase().includes(lower)) {
      b.click();
      return { ok: true, method: 'substring' };
    }
  }
  return { ok: false, method: '' };
})()
`

// ClickByText renders the click script for a single button label.
func ClickByText(text string) string {
	return fmt.Sprintf(clickByTextTemplate, quoteJS(text))
}

// clickPopupButtonTemplate clicks a button inside the topmost visible error
// or alert popup only, so a matching label elsewhere in the workbench is
// never hit. Returns {"ok": bool}.
const clickPopupButtonTemplate = `
(function() {
  const want = %s;
  const popups = document.querySelectorAll('[class*="error-popup"], [class*="error-dialog"], [role="alertdialog"], [class*="notification"][class*="error"]');
  for (const p of popups) {
    const r = p.getBoundingClientRect();
    if (r.width < 2 || r.height < 2) continue;
    for (const b of p.querySelectorAll('button')) {
      const t = (b.innerText || '').trim();
      if (t === want || t.toLowerCase().includes(want.toLowerCase())) {
        b.click();
        return { ok: true };
      }
    }
  }
  return { ok: false };
})()
`

// ClickPopupButton renders a click scoped to the active error popup.
func ClickPopupButton(text string) string {
	return fmt.Sprintf(clickPopupButtonTemplate, quoteJS(text))
}

// OpenPastConversations opens the conversation history panel.
// Returns {"ok": bool}.
const OpenPastConversations = `
(function() {
  const SELECTORS = [
    'button[aria-label*="history" i]',
    'button[title*="Past Conversations" i]',
    'button[title*="history" i]',
    '[class*="cascade"] [class*="history"]'
  ];
  for (const sel of SELECTORS) {
    let el;
    try { el = document.querySelector(sel); } catch (e) { continue; }
    if (!el) continue;
    const r = el.getBoundingClientRect();
    if (r.width < 2 || r.height < 2) continue;
    el.click();
    return { ok: true };
  }
  return { ok: false };
})()
`

// activateByTitleTemplate clicks the history entry whose title matches the
// given text, preferring an exact match, then prefix, then substring.
// Returns {"ok": bool, "title": string} with the title actually clicked.
const activateByTitleTemplate = `
(function() {
  const want = %s;
  const entries = document.querySelectorAll('[class*="history"] [class*="item"], [class*="conversation-list"] [class*="entry"], [class*="past-conversation"]');
  function titleOf(el) {
    const t = el.querySelector('[class*="title"], [class*="name"]');
    return ((t ? t.innerText : el.innerText) || '').trim();
  }
  let exact = null, prefix = null, sub = null;
  const lower = want.toLowerCase();
  for (const el of entries) {
    const title = titleOf(el);
    if (!title) continue;
    const tl = title.toLowerCase();
    if (tl === lower && !exact) exact = el;
    else if (tl.startsWith(lower) && !prefix) prefix = el;
    else if (tl.includes(lower) && !sub) sub = el;
  }
  const hit = exact || prefix || sub;
  if (!hit) return { ok: false, title: '' };
  hit.click();
  return { ok: true, title: titleOf(hit) };
})()
`

// ActivateByTitle renders the history-entry click for one conversation title.
func ActivateByTitle(title string) string {
	return fmt.Sprintf(activateByTitleTemplate, quoteJS(title))
}

// StopClick clicks the "stop generating" control, trying the same selectors
// the stop probe matches. Returns {"ok": bool, "method": string} naming the
// selector family that hit.
const StopClick = `
(function() {
  function visible(el) {
    if (!el) return false;
    const r = el.getBoundingClientRect();
    if (r.width < 2 || r.height < 2) return false;
    const s = getComputedStyle(el);
    return s.display !== 'none' && s.visibility !== 'hidden';
  }
  const FAMILIES = [
    ['aria', 'button[aria-label*="Stop" i]'],
    ['title', 'button[title*="Stop" i]'],
    ['class', '[class*="cascade"] button[class*="stop" i], [class*="chat"] button[class*="cancel" i]'],
    ['icon', '[class*="codicon-stop-circle"], [class*="codicon-debug-stop"]']
  ];
  for (const [name, sel] of FAMILIES) {
    let nodes;
    try { nodes = document.querySelectorAll(sel); } catch (e) { continue; }
    for (const el of nodes) {
      const target = el.closest('button') || el;
      if (!visible(target)) continue;
      target.click();
      return { ok: true, method: name };
    }
  }
  return { ok: false, method: '' };
})()
`

// NewConversation starts a fresh chat in the active workbench.
// Returns {"ok": bool}.
const NewConversation = `
(function() {
  const SELECTORS = [
    'button[aria-label*="new chat" i]',
    'button[title*="New Conversation" i]',
    'button[aria-label*="new conversation" i]',
    '[class*="cascade"] button[class*="new"]'
  ];
  for (const sel of SELECTORS) {
    let el;
    try { el = document.querySelector(sel); } catch (e) { continue; }
    if (!el) continue;
    const r = el.getBoundingClientRect();
    if (r.width < 2 || r.height < 2) continue;
    el.click();
    return { ok: true };
  }
  return { ok: false };
})()
`

// quoteJS encodes s as a double-quoted JS string literal. Go's %q escaping is
// a strict subset of JSON string syntax, which every JS engine accepts.
func quoteJS(s string) string {
	return fmt.Sprintf("%q", s)
}
