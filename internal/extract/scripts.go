package extract

// In-page scripts. Each runs inside the rendered page and returns plain JSON
// values so chromedp can unmarshal them directly.

// productImagesScript polls the product gallery until images appear or the
// deadline (milliseconds, interpolated) passes. Selector layers go from the
// most specific gallery widgets down to any catalog media on the page.
const productImagesScript = `(async () => {
	const deadline = Date.now() + %d;
	const keep = (src) => {
		if (!src) return false;
		const s = String(src);
		if (s.startsWith('data:')) return false;
		if (/\.(gif|svg)([?#]|$)/i.test(s)) return false;
		if (s.includes('/small_image/') || s.includes('/thumbnail/')) return false;
		return true;
	};
	const collect = () => {
		const out = [];
		const push = (u) => { if (keep(u) && !out.includes(u)) out.push(u); };
		const galleries = [
			'.fotorama__stage__frame img',
			'.fotorama__img',
			'.gallery-placeholder img',
			'[data-gallery-role="gallery"] img',
			'.product.media img',
			'.product-image-container img',
			'.MagicZoom img',
			'.product_image img',
		];
		for (const sel of galleries) {
			document.querySelectorAll(sel).forEach((img) => {
				push(img.currentSrc || img.src ||
					img.getAttribute('data-src') || img.getAttribute('data-full'));
			});
			if (out.length) break;
		}
		if (!out.length) {
			const og = document.querySelector('meta[property="og:image"]');
			if (og && og.content) push(og.content);
		}
		if (!out.length) {
			document.querySelectorAll('img').forEach((img) => {
				const src = img.currentSrc || img.src;
				if (src && src.includes('/catalog/product/')) push(src);
			});
		}
		return out;
	};
	let found = collect();
	while (!found.length && Date.now() < deadline) {
		await new Promise((r) => setTimeout(r, 400));
		found = collect();
	}
	return found;
})()`

// productNameScript pulls a display name from the usual places.
const productNameScript = `(() => {
	const h1 = document.querySelector('.page-title .base, h1.product-title, h1');
	if (h1 && h1.textContent.trim()) return h1.textContent.trim();
	const og = document.querySelector('meta[property="og:title"]');
	if (og && og.content) return og.content;
	return document.title || '';
})()`

// autoScrollScript scrolls to the bottom repeatedly until the document height
// stops growing, forcing lazy-loaded tiles to render. Hard cap on iterations
// so an infinite-scroll page cannot hold the tab forever.
const autoScrollScript = `(async () => {
	let lastHeight = 0;
	for (let i = 0; i < 30; i++) {
		window.scrollTo(0, document.body.scrollHeight);
		await new Promise((r) => setTimeout(r, 300));
		const height = document.body.scrollHeight;
		if (height === lastHeight) break;
		lastHeight = height;
	}
	window.scrollTo(0, 0);
	return true;
})()`

// listingScript extracts product tiles from a category page, trying the
// common storefront layouts in order.
const listingScript = `(() => {
	const tileSelectors = [
		'.product-item',
		'.product-item-info',
		'li.item.product',
		'.products-grid .item',
		'.product-card',
	];
	let tiles = [];
	for (const sel of tileSelectors) {
		tiles = Array.from(document.querySelectorAll(sel));
		if (tiles.length) break;
	}
	const text = (el, sel) => {
		const n = el.querySelector(sel);
		return n ? n.textContent.trim() : '';
	};
	return tiles.map((tile) => {
		const link = tile.querySelector('a.product-item-link, a.product-item-photo, .product-name a, a[href]');
		const img = tile.querySelector('img.product-image-photo, img');
		return {
			name: text(tile, '.product-item-link, .product-name, .product-item-name') ||
				(link ? link.textContent.trim() : ''),
			price: text(tile, '.price, .price-box .price, .special-price .price'),
			url: link ? link.href : '',
			img: img ? (img.currentSrc || img.src || img.getAttribute('data-src') || '') : '',
		};
	}).filter((p) => p.url);
})()`
